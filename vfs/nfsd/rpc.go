package nfsd

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ONC RPC (RFC 1831) constants this subset needs.
const (
	rpcVersion   = 2
	nfsProgram   = 100003
	nfsVersion4  = 4
	procNull     = 0
	procCompound = 1

	msgCall  = 0
	msgReply = 1

	replyAccepted = 0
	acceptSuccess = 0

	authNone = 0
)

// readFragments reads one complete RPC record from r, reassembling the
// record-marked fragment stream (RFC 1831 §10): each fragment is
// prefixed with a 4-byte header whose top bit marks the last fragment
// and whose low 31 bits give its length.
func readFragments(r io.Reader) ([]byte, error) {
	var record []byte
	for {
		var header [4]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(header[:])
		last := n&0x80000000 != 0
		size := n &^ 0x80000000

		frag := make([]byte, size)
		if _, err := io.ReadFull(r, frag); err != nil {
			return nil, err
		}
		record = append(record, frag...)
		if last {
			return record, nil
		}
	}
}

// writeFragment writes record as a single, final RPC fragment.
func writeFragment(w io.Writer, record []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(record))|0x80000000)
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(record)
	return err
}

// callHeader is the fixed portion of an RPC call message that precedes
// the NFS COMPOUND arguments.
type callHeader struct {
	xid     uint32
	program uint32
	version uint32
	proc    uint32
}

// decodeCall parses the RPC call header (xid, msg type, rpcvers, prog,
// vers, proc, and the opaque_auth/verifier pairs) and returns the
// header, leaving d positioned at the procedure's own arguments.
func decodeCall(d *decoder) (callHeader, error) {
	xid, err := d.uint32()
	if err != nil {
		return callHeader{}, err
	}
	msgType, err := d.uint32()
	if err != nil {
		return callHeader{}, err
	}
	if msgType != msgCall {
		return callHeader{}, fmt.Errorf("nfsd: rpc: expected CALL, got message type %d", msgType)
	}
	if _, err := d.uint32(); err != nil { // rpcvers
		return callHeader{}, err
	}
	program, err := d.uint32()
	if err != nil {
		return callHeader{}, err
	}
	version, err := d.uint32()
	if err != nil {
		return callHeader{}, err
	}
	proc, err := d.uint32()
	if err != nil {
		return callHeader{}, err
	}
	if err := skipOpaqueAuth(d); err != nil { // credential
		return callHeader{}, err
	}
	if err := skipOpaqueAuth(d); err != nil { // verifier
		return callHeader{}, err
	}
	return callHeader{xid: xid, program: program, version: version, proc: proc}, nil
}

func skipOpaqueAuth(d *decoder) error {
	if _, err := d.uint32(); err != nil { // flavor
		return err
	}
	_, err := d.opaque()
	return err
}

// encodeAcceptedReply writes an RPC reply header indicating the call
// completed (MSG_ACCEPTED, SUCCESS), followed by body (the procedure's
// own result bytes, already XDR-encoded by the caller).
func encodeAcceptedReply(xid uint32, body []byte) []byte {
	e := &encoder{}
	e.uint32(xid)
	e.uint32(msgReply)
	e.uint32(replyAccepted)
	e.uint32(authNone) // verifier flavor: AUTH_NONE
	e.opaque(nil)      // verifier body: empty
	e.uint32(acceptSuccess)
	e.buf = append(e.buf, body...)
	return e.buf
}
