package nfsd

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/crucible-build/crucible/artifact"
	"github.com/crucible-build/crucible/blob"
	"github.com/crucible-build/crucible/store"
	"github.com/crucible-build/crucible/vfs"
)

func TestXDROpaqueRoundTripsWithPadding(t *testing.T) {
	e := &encoder{}
	e.opaque([]byte("abc")) // length 3 needs one pad byte
	d := newDecoder(e.buf)
	got, err := d.opaque()
	if err != nil {
		t.Fatalf("opaque: %v", err)
	}
	if string(got) != "abc" {
		t.Fatalf("opaque = %q, want %q", got, "abc")
	}
	if d.remaining() != 0 {
		t.Fatalf("remaining = %d, want 0 after consuming padded opaque", d.remaining())
	}
}

func TestXDRBitmapRoundTrip(t *testing.T) {
	e := &encoder{}
	e.bitmap(bitmapFor([]uint32{attrType, attrSize, attrMode}))
	d := newDecoder(e.buf)
	words, err := d.bitmap()
	if err != nil {
		t.Fatalf("bitmap: %v", err)
	}
	for _, bit := range []uint32{attrType, attrSize, attrMode} {
		if !bitSet(words, bit) {
			t.Fatalf("bit %d not set in round-tripped bitmap %v", bit, words)
		}
	}
	if bitSet(words, attrFileid) {
		t.Fatalf("unrequested bit %d unexpectedly set", attrFileid)
	}
}

func TestRecordMarkingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello nfs")
	if err := writeFragment(&buf, payload); err != nil {
		t.Fatalf("writeFragment: %v", err)
	}
	got, err := readFragments(&buf)
	if err != nil {
		t.Fatalf("readFragments: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("readFragments = %q, want %q", got, payload)
	}
}

func newTestFS(t *testing.T) (*vfs.FS, string) {
	t.Helper()
	s, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	blobID, err := blob.Chunk(ctx, s, strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	fileID := artifact.ID(artifact.Artifact{Kind: artifact.KindFile, File: artifact.File{BlobID: blobID}})
	if err := s.Put(ctx, fileID, artifact.Encode(artifact.Artifact{Kind: artifact.KindFile, File: artifact.File{BlobID: blobID}})); err != nil {
		t.Fatalf("Put file: %v", err)
	}
	dirID := artifact.ID(artifact.Artifact{
		Kind:      artifact.KindDirectory,
		Directory: artifact.Directory{Entries: []artifact.DirEntry{{Name: "hello.txt", ID: fileID}}},
	})
	if err := s.Put(ctx, dirID, artifact.Encode(artifact.Artifact{
		Kind:      artifact.KindDirectory,
		Directory: artifact.Directory{Entries: []artifact.DirEntry{{Name: "hello.txt", ID: fileID}}},
	})); err != nil {
		t.Fatalf("Put dir: %v", err)
	}
	return vfs.New(s), dirID.String()
}

func TestDispatchLookupGetattrAndRead(t *testing.T) {
	ctx := context.Background()
	fsys, dirIDStr := newTestFS(t)
	s := &Server{
		fsys:        fsys,
		handles:     map[uint64]*vfs.Node{0: fsys.Root()},
		nodeHandles: map[*vfs.Node]uint64{fsys.Root(): 0},
		next:        1,
	}

	var st compoundState
	status, _, err := s.dispatch(ctx, opPutrootfh, newDecoder(nil), &st)
	if err != nil || status != nfs4OK {
		t.Fatalf("PUTROOTFH: status=%d err=%v", status, err)
	}

	lookupArgs := &encoder{}
	lookupArgs.str(dirIDStr)
	status, _, err = s.dispatch(ctx, opLookup, newDecoder(lookupArgs.buf), &st)
	if err != nil || status != nfs4OK {
		t.Fatalf("LOOKUP dir: status=%d err=%v", status, err)
	}

	lookupArgs2 := &encoder{}
	lookupArgs2.str("hello.txt")
	status, _, err = s.dispatch(ctx, opLookup, newDecoder(lookupArgs2.buf), &st)
	if err != nil || status != nfs4OK {
		t.Fatalf("LOOKUP file: status=%d err=%v", status, err)
	}
	if st.current.Kind != vfs.NodeFile {
		t.Fatalf("current node kind = %v, want NodeFile", st.current.Kind)
	}

	getattrArgs := &encoder{}
	getattrArgs.bitmap(bitmapFor([]uint32{attrType, attrSize}))
	status, body, err := s.dispatch(ctx, opGetattr, newDecoder(getattrArgs.buf), &st)
	if err != nil || status != nfs4OK {
		t.Fatalf("GETATTR: status=%d err=%v", status, err)
	}
	d := newDecoder(body)
	words, err := d.bitmap()
	if err != nil {
		t.Fatalf("decode returned bitmap: %v", err)
	}
	if !bitSet(words, attrType) || !bitSet(words, attrSize) {
		t.Fatalf("GETATTR response bitmap missing requested attrs: %v", words)
	}

	readArgs := &encoder{}
	readArgs.uint32(0) // stateid.seqid
	readArgs.buf = append(readArgs.buf, make([]byte, stateidSize)...)
	readArgs.uint64(0) // offset
	readArgs.uint32(5) // count
	status, body, err = s.dispatch(ctx, opRead, newDecoder(readArgs.buf), &st)
	if err != nil || status != nfs4OK {
		t.Fatalf("READ: status=%d err=%v", status, err)
	}
	rd := newDecoder(body)
	if _, err := rd.uint32(); err != nil { // eof
		t.Fatalf("decode eof: %v", err)
	}
	data, err := rd.opaque()
	if err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("READ data = %q, want %q", data, "hello")
	}
}

func TestDispatchSessionSetupOpcodesSucceed(t *testing.T) {
	ctx := context.Background()
	fsys, _ := newTestFS(t)
	s := &Server{
		fsys:        fsys,
		handles:     map[uint64]*vfs.Node{0: fsys.Root()},
		nodeHandles: map[*vfs.Node]uint64{fsys.Root(): 0},
		next:        1,
	}
	var st compoundState

	setclientidArgs := &encoder{}
	setclientidArgs.buf = append(setclientidArgs.buf, make([]byte, verifierSize)...)
	setclientidArgs.opaque([]byte("client-1"))
	setclientidArgs.uint32(0)
	setclientidArgs.str("tcp")
	setclientidArgs.str("127.0.0.1.8.1")
	setclientidArgs.uint32(0)
	status, body, err := s.dispatch(ctx, opSetclientid, newDecoder(setclientidArgs.buf), &st)
	if err != nil || status != nfs4OK {
		t.Fatalf("SETCLIENTID: status=%d err=%v", status, err)
	}
	d := newDecoder(body)
	clientid, err := d.uint64()
	if err != nil {
		t.Fatalf("decode clientid: %v", err)
	}
	confirm, err := d.fixed(verifierSize)
	if err != nil {
		t.Fatalf("decode setclientid_confirm: %v", err)
	}

	confirmArgs := &encoder{}
	confirmArgs.uint64(clientid)
	confirmArgs.buf = append(confirmArgs.buf, confirm...)
	status, _, err = s.dispatch(ctx, opSetclientidConfirm, newDecoder(confirmArgs.buf), &st)
	if err != nil || status != nfs4OK {
		t.Fatalf("SETCLIENTID_CONFIRM: status=%d err=%v", status, err)
	}

	renewArgs := &encoder{}
	renewArgs.uint64(clientid)
	status, _, err = s.dispatch(ctx, opRenew, newDecoder(renewArgs.buf), &st)
	if err != nil || status != nfs4OK {
		t.Fatalf("RENEW: status=%d err=%v", status, err)
	}

	releaseArgs := &encoder{}
	releaseArgs.uint64(clientid)
	releaseArgs.opaque([]byte("owner-1"))
	status, _, err = s.dispatch(ctx, opReleaseLockowner, newDecoder(releaseArgs.buf), &st)
	if err != nil || status != nfs4OK {
		t.Fatalf("RELEASE_LOCKOWNER: status=%d err=%v", status, err)
	}
}

func TestDispatchOpenLockAndLocku(t *testing.T) {
	ctx := context.Background()
	fsys, dirIDStr := newTestFS(t)
	s := &Server{
		fsys:        fsys,
		handles:     map[uint64]*vfs.Node{0: fsys.Root()},
		nodeHandles: map[*vfs.Node]uint64{fsys.Root(): 0},
		next:        1,
	}

	var st compoundState
	if status, _, err := s.dispatch(ctx, opPutrootfh, newDecoder(nil), &st); err != nil || status != nfs4OK {
		t.Fatalf("PUTROOTFH: status=%d err=%v", status, err)
	}
	lookupArgs := &encoder{}
	lookupArgs.str(dirIDStr)
	if status, _, err := s.dispatch(ctx, opLookup, newDecoder(lookupArgs.buf), &st); err != nil || status != nfs4OK {
		t.Fatalf("LOOKUP dir: status=%d err=%v", status, err)
	}

	openArgs := &encoder{}
	openArgs.uint32(0) // seqid
	openArgs.uint32(1) // share_access
	openArgs.uint32(0) // share_deny
	openArgs.uint64(0) // owner.clientid
	openArgs.opaque([]byte("owner"))
	openArgs.uint32(0) // opentype: OPEN4_NOCREATE
	openArgs.uint32(0) // claim: CLAIM_NULL
	openArgs.str("hello.txt")
	status, body, err := s.dispatch(ctx, opOpen, newDecoder(openArgs.buf), &st)
	if err != nil || status != nfs4OK {
		t.Fatalf("OPEN: status=%d err=%v", status, err)
	}
	if st.current.Kind != vfs.NodeFile {
		t.Fatalf("current node kind after OPEN = %v, want NodeFile", st.current.Kind)
	}
	d := newDecoder(body)
	_, other, err := decodeStateid(d)
	if err != nil {
		t.Fatalf("decode OPEN stateid: %v", err)
	}

	lockArgs := &encoder{}
	lockArgs.uint32(1)       // locktype: READW_LT
	lockArgs.uint32(0)       // reclaim
	lockArgs.uint64(0)       // offset
	lockArgs.uint64(1 << 10) // length
	lockArgs.uint32(1)       // new_lock_owner: true
	lockArgs.uint32(0)       // open_seqid
	lockArgs.stateid(0, other)
	lockArgs.uint32(1) // lock_seqid
	lockArgs.uint64(0) // lock_owner.clientid
	lockArgs.opaque([]byte("owner"))
	status, body, err = s.dispatch(ctx, opLock, newDecoder(lockArgs.buf), &st)
	if err != nil || status != nfs4OK {
		t.Fatalf("LOCK: status=%d err=%v", status, err)
	}
	d = newDecoder(body)
	lockSeqid, lockOther, err := decodeStateid(d)
	if err != nil {
		t.Fatalf("decode LOCK stateid: %v", err)
	}

	lockuArgs := &encoder{}
	lockuArgs.uint32(1) // locktype
	lockuArgs.uint32(2) // seqid
	lockuArgs.stateid(lockSeqid, lockOther)
	lockuArgs.uint64(0)       // offset
	lockuArgs.uint64(1 << 10) // length
	status, _, err = s.dispatch(ctx, opLocku, newDecoder(lockuArgs.buf), &st)
	if err != nil || status != nfs4OK {
		t.Fatalf("LOCKU: status=%d err=%v", status, err)
	}
}

func TestDispatchSecinfoResolvesName(t *testing.T) {
	ctx := context.Background()
	fsys, dirIDStr := newTestFS(t)
	s := &Server{
		fsys:        fsys,
		handles:     map[uint64]*vfs.Node{0: fsys.Root()},
		nodeHandles: map[*vfs.Node]uint64{fsys.Root(): 0},
		next:        1,
	}
	var st compoundState
	if status, _, err := s.dispatch(ctx, opPutrootfh, newDecoder(nil), &st); err != nil || status != nfs4OK {
		t.Fatalf("PUTROOTFH: status=%d err=%v", status, err)
	}
	lookupArgs := &encoder{}
	lookupArgs.str(dirIDStr)
	if status, _, err := s.dispatch(ctx, opLookup, newDecoder(lookupArgs.buf), &st); err != nil || status != nfs4OK {
		t.Fatalf("LOOKUP dir: status=%d err=%v", status, err)
	}

	secinfoArgs := &encoder{}
	secinfoArgs.str("hello.txt")
	status, _, err := s.dispatch(ctx, opSecinfo, newDecoder(secinfoArgs.buf), &st)
	if err != nil || status != nfs4OK {
		t.Fatalf("SECINFO hello.txt: status=%d err=%v", status, err)
	}

	secinfoMissing := &encoder{}
	secinfoMissing.str("nope.txt")
	status, _, err = s.dispatch(ctx, opSecinfo, newDecoder(secinfoMissing.buf), &st)
	if err != nil {
		t.Fatalf("SECINFO nope.txt: err=%v", err)
	}
	if status != nfs4ERRNOENT {
		t.Fatalf("SECINFO nope.txt status = %d, want NFS4ERR_NOENT", status)
	}
}
