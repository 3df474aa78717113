package nfsd

import (
	"context"
)

// verifierSize is NFS4_VERIFIER_SIZE (RFC 7530 §2.6): the fixed-length
// opaque client/server verifier exchanged during client-id setup.
const verifierSize = 8

// decodeStateid reads a stateid4 (seqid4 seqid; opaque other[12]) and
// returns both fields so callers that must echo it back (LOCK, LOCKU)
// don't need to re-decode.
func decodeStateid(d *decoder) (seqid uint32, other []byte, err error) {
	seqid, err = d.uint32()
	if err != nil {
		return 0, nil, err
	}
	other, err = d.fixed(stateidSize)
	if err != nil {
		return 0, nil, err
	}
	return seqid, other, nil
}

func (e *encoder) stateid(seqid uint32, other []byte) {
	e.uint32(seqid)
	e.buf = append(e.buf, other...)
}

// handleOpen services OPEN (RFC 7530 §16.16). Every artifact this server
// projects is immutable and already exists, so CREATE opens are not
// supported; a CLAIM_NULL open resolves the name under the current
// filehandle exactly like LOOKUP and a CLAIM_PREVIOUS open with no
// delegation keeps the current filehandle, grounded in the original's
// handle_open, which does the same before minting a stateid.
func (s *Server) handleOpen(ctx context.Context, d *decoder, st *compoundState) (uint32, []byte, error) {
	if st.current == nil {
		return nfs4ERRNOENT, nil, nil
	}

	if _, err := d.uint32(); err != nil { // seqid
		return 0, nil, err
	}
	if _, err := d.uint32(); err != nil { // share_access
		return 0, nil, err
	}
	if _, err := d.uint32(); err != nil { // share_deny
		return 0, nil, err
	}
	if _, err := d.uint64(); err != nil { // owner.clientid
		return 0, nil, err
	}
	if _, err := d.opaque(); err != nil { // owner.owner
		return 0, nil, err
	}

	opentype, err := d.uint32()
	if err != nil {
		return 0, nil, err
	}
	if opentype != 0 { // OPEN4_CREATE: nothing in this projection can be created
		return nfs4ERRNOTSUPP, nil, nil
	}

	claim, err := d.uint32()
	if err != nil {
		return 0, nil, err
	}
	switch claim {
	case 0: // CLAIM_NULL
		name, err := d.str()
		if err != nil {
			return 0, nil, err
		}
		child, err := s.fsys.Lookup(ctx, st.current, name)
		if err != nil {
			return nfs4ERRNOENT, nil, nil
		}
		st.current = child
	case 1: // CLAIM_PREVIOUS
		delegateType, err := d.uint32()
		if err != nil {
			return 0, nil, err
		}
		if delegateType != 0 { // OPEN_DELEGATE_NONE
			return nfs4ERRNOTSUPP, nil, nil
		}
	default:
		return nfs4ERRNOTSUPP, nil, nil
	}

	other := make([]byte, stateidSize)
	copy(other, s.handleFor(st.current))

	e := &encoder{}
	e.stateid(1, other) // stateid: seqid, other
	e.uint32(0)         // cinfo.atomic = false
	e.uint64(0)         // cinfo.before
	e.uint64(0)         // cinfo.after
	e.uint32(0)         // rflags
	e.bitmap(nil)       // attrset
	e.uint32(0)         // delegation type: OPEN_DELEGATE_NONE
	return nfs4OK, e.buf, nil
}

// handleLock services LOCK (RFC 7530 §16.10). Locking is accepted but is
// a no-op: the response simply echoes back whichever stateid the locker4
// union carried, matching the original's handle_lock.
func handleLock(d *decoder) (uint32, []byte, error) {
	if _, err := d.uint32(); err != nil { // locktype
		return 0, nil, err
	}
	if _, err := d.uint32(); err != nil { // reclaim
		return 0, nil, err
	}
	if _, err := d.uint64(); err != nil { // offset
		return 0, nil, err
	}
	if _, err := d.uint64(); err != nil { // length
		return 0, nil, err
	}
	newLockOwner, err := d.uint32()
	if err != nil {
		return 0, nil, err
	}

	var seqid uint32
	var other []byte
	if newLockOwner != 0 {
		if _, err := d.uint32(); err != nil { // open_seqid
			return 0, nil, err
		}
		seqid, other, err = decodeStateid(d) // open_stateid
		if err != nil {
			return 0, nil, err
		}
		if _, err := d.uint32(); err != nil { // lock_seqid
			return 0, nil, err
		}
		if _, err := d.uint64(); err != nil { // lock_owner.clientid
			return 0, nil, err
		}
		if _, err := d.opaque(); err != nil { // lock_owner.owner
			return 0, nil, err
		}
	} else {
		seqid, other, err = decodeStateid(d) // lock_stateid
		if err != nil {
			return 0, nil, err
		}
		if _, err := d.uint32(); err != nil { // lock_seqid
			return 0, nil, err
		}
	}

	e := &encoder{}
	e.stateid(seqid, other)
	return nfs4OK, e.buf, nil
}

// handleLocku services LOCKU (RFC 7530 §16.11): accept and echo the
// stateid, same no-op shape as handleLock, grounded in the original's
// handle_locku.
func handleLocku(d *decoder) (uint32, []byte, error) {
	if _, err := d.uint32(); err != nil { // locktype
		return 0, nil, err
	}
	if _, err := d.uint32(); err != nil { // seqid
		return 0, nil, err
	}
	seqid, other, err := decodeStateid(d) // lock_stateid
	if err != nil {
		return 0, nil, err
	}
	if _, err := d.uint64(); err != nil { // offset
		return 0, nil, err
	}
	if _, err := d.uint64(); err != nil { // length
		return 0, nil, err
	}

	e := &encoder{}
	e.stateid(seqid, other)
	return nfs4OK, e.buf, nil
}

// handleRenew services RENEW (RFC 7530 §16.35). This server keeps no
// lease state to renew, so it always succeeds, matching the original's
// handle_renew.
func handleRenew(d *decoder) (uint32, []byte, error) {
	if _, err := d.uint64(); err != nil { // clientid
		return 0, nil, err
	}
	return nfs4OK, nil, nil
}

// handleSecinfo services SECINFO (RFC 7530 §16.29): it validates that
// name resolves under the current filehandle, then reports an empty
// security flavor list (no RPCSEC_GSS, AUTH_SYS only), matching the
// original's handle_sec_info.
func (s *Server) handleSecinfo(ctx context.Context, d *decoder, st *compoundState) (uint32, []byte, error) {
	name, err := d.str()
	if err != nil {
		return 0, nil, err
	}
	if st.current == nil {
		return nfs4ERRNOENT, nil, nil
	}
	if _, err := s.fsys.Lookup(ctx, st.current, name); err != nil {
		return nfs4ERRNOENT, nil, nil
	}
	e := &encoder{}
	e.uint32(0) // secinfo4<> count: no flavors advertised, client falls back to AUTH_SYS
	return nfs4OK, e.buf, nil
}

// handleSetclientid services SETCLIENTID (RFC 7530 §16.33). This server
// never recovers state across restarts and serves a single client, so it
// always grants the request a fixed clientid and a zero confirm
// verifier, matching the original's happy-path handle_set_client_id.
func handleSetclientid(d *decoder) (uint32, []byte, error) {
	if _, err := d.fixed(verifierSize); err != nil { // client.verifier
		return 0, nil, err
	}
	if _, err := d.opaque(); err != nil { // client.id
		return 0, nil, err
	}
	if _, err := d.uint32(); err != nil { // callback.cb_program
		return 0, nil, err
	}
	if _, err := d.str(); err != nil { // callback.cb_location.r_netid
		return 0, nil, err
	}
	if _, err := d.str(); err != nil { // callback.cb_location.r_addr
		return 0, nil, err
	}
	if _, err := d.uint32(); err != nil { // callback_ident
		return 0, nil, err
	}

	e := &encoder{}
	e.uint64(1)                                          // clientid
	e.buf = append(e.buf, make([]byte, verifierSize)...) // setclientid_confirm
	return nfs4OK, e.buf, nil
}

// handleSetclientidConfirm services SETCLIENTID_CONFIRM (RFC 7530
// §16.34): confirmation is unconditional since handleSetclientid never
// rejects a client, matching the original's happy-path
// handle_set_client_id_confirm.
func handleSetclientidConfirm(d *decoder) (uint32, []byte, error) {
	if _, err := d.uint64(); err != nil { // clientid
		return 0, nil, err
	}
	if _, err := d.fixed(verifierSize); err != nil { // setclientid_confirm
		return 0, nil, err
	}
	return nfs4OK, nil, nil
}

// handleReleaseLockowner services RELEASE_LOCKOWNER (RFC 7530 §16.36):
// there is no per-lock-owner state held anywhere to release, matching
// the original's handle_release_lockowner.
func handleReleaseLockowner(d *decoder) (uint32, []byte, error) {
	if _, err := d.uint64(); err != nil { // lock_owner.clientid
		return 0, nil, err
	}
	if _, err := d.opaque(); err != nil { // lock_owner.owner
		return 0, nil, err
	}
	return nfs4OK, nil, nil
}
