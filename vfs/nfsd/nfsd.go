// Package nfsd implements the macOS transport for the virtual filesystem
// projection (spec.md §4.5): a hand-rolled NFSv4 COMPOUND server subset
// covering every operation a real NFSv4.0 client issues against a
// read-only, single-mount filesystem, from session setup (SETCLIENTID,
// SETCLIENTID_CONFIRM, RENEW) through lookup/read (PUTROOTFH, PUTFH,
// GETFH, SAVEFH, RESTOREFH, LOOKUP, GETATTR, ACCESS, READ, READDIR,
// READLINK) to the locking operations (OPEN, LOCK, LOCKU,
// RELEASE_LOCKOWNER, SECINFO) a client uses before it will even attempt a
// READ. Every artifact this package serves is immutable, so there is
// nothing to actually lock or recover: LOCK/LOCKU/RENEW/SETCLIENTID/
// SETCLIENTID_CONFIRM/RELEASE_LOCKOWNER all accept whatever the client
// sends and report success, and OPEN/SECINFO succeed once the name they
// carry resolves, all without tracking any lock or lease state across
// calls.
package nfsd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"sync"

	"github.com/crucible-build/crucible/cerr"
	"github.com/crucible-build/crucible/vfs"
)

const component = "nfsd"

// NFSv4 procedure opcodes this subset recognizes (RFC 7530 §13).
const (
	opLock               = 12
	opLocku              = 14
	opAccess             = 3
	opOpen               = 18
	opGetattr            = 9
	opGetfh              = 10
	opLookup             = 15
	opPutfh              = 22
	opPutrootfh          = 24
	opRead               = 25
	opReaddir            = 26
	opReadlink           = 27
	opRenew              = 30
	opRestorefh          = 31
	opSavefh             = 32
	opSecinfo            = 33
	opSetclientid        = 35
	opSetclientidConfirm = 36
	opReleaseLockowner   = 39
)

// NFSv4 status codes this subset returns.
const (
	nfs4OK         = 0
	nfs4ERRPERM    = 1
	nfs4ERRNOENT   = 2
	nfs4ERRIO      = 5
	nfs4ERRISDIR   = 21
	nfs4ERRNOTDIR  = 20
	nfs4ERRNOTSUPP = 10004
)

// fattr4 bit numbers this subset populates (RFC 7530 §5.8).
const (
	attrType     = 1
	attrSize     = 4
	attrFileid   = 20
	attrMode     = 33
	attrNumlinks = 35
)

// Server is one running NFSv4 listener bound to a projection.
type Server struct {
	fsys      *vfs.FS
	mountPath string
	port      int

	listener net.Listener

	mu          sync.Mutex
	handles     map[uint64]*vfs.Node
	nodeHandles map[*vfs.Node]uint64
	next        uint64
}

// Start binds an NFSv4 listener on localhost:port, begins serving it in
// the background, and shells out to mount_nfs to attach it at
// mountPath, matching the original implementation's transport choice
// (spec.md §4.5, "mount_nfs tcp,vers=4.0,port=<N>").
func Start(ctx context.Context, fsys *vfs.FS, mountPath string, port int) (*Server, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		return nil, cerr.IOf(component, fmt.Errorf("listen: %w", err))
	}

	s := &Server{
		fsys:        fsys,
		mountPath:   mountPath,
		port:        port,
		listener:    listener,
		handles:     map[uint64]*vfs.Node{0: fsys.Root()},
		nodeHandles: map[*vfs.Node]uint64{fsys.Root(): 0},
		next:        1,
	}

	go s.serve(ctx)

	unmount(mountPath)
	cmd := exec.CommandContext(ctx, "mount_nfs",
		"-o", fmt.Sprintf("tcp,vers=4.0,port=%d", port),
		"localhost:/", mountPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		listener.Close()
		return nil, cerr.IOf(component, fmt.Errorf("mount_nfs: %w: %s", err, out))
	}
	return s, nil
}

// Stop unmounts mountPath and closes the listener.
func (s *Server) Stop() error {
	unmount(s.mountPath)
	return s.listener.Close()
}

func unmount(path string) {
	_ = exec.Command("umount", "-f", path).Run()
}

func (s *Server) serve(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		record, err := readFragments(conn)
		if err != nil {
			return
		}
		d := newDecoder(record)
		hdr, err := decodeCall(d)
		if err != nil {
			slog.ErrorContext(ctx, "nfsd: malformed call", "error", err)
			return
		}
		if hdr.proc == procNull {
			if err := writeFragment(conn, encodeAcceptedReply(hdr.xid, nil)); err != nil {
				return
			}
			continue
		}
		if hdr.program != nfsProgram || hdr.version != nfsVersion4 || hdr.proc != procCompound {
			slog.WarnContext(ctx, "nfsd: unsupported procedure", "program", hdr.program, "proc", hdr.proc)
			continue
		}

		body, err := s.compound(ctx, d)
		if err != nil {
			slog.ErrorContext(ctx, "nfsd: compound failed", "error", err)
			return
		}
		if err := writeFragment(conn, encodeAcceptedReply(hdr.xid, body)); err != nil {
			return
		}
	}
}

// compoundState tracks the current and saved filehandle across the ops
// in a single COMPOUND request (RFC 7530 §14.2's "current filehandle").
type compoundState struct {
	current *vfs.Node
	saved   *vfs.Node
}

// compound decodes and executes a COMPOUND request, returning its
// XDR-encoded COMPOUND4res.
func (s *Server) compound(ctx context.Context, d *decoder) ([]byte, error) {
	tag, err := d.str()
	if err != nil {
		return nil, err
	}
	if _, err := d.uint32(); err != nil { // minorversion
		return nil, err
	}
	numOps, err := d.uint32()
	if err != nil {
		return nil, err
	}

	var st compoundState
	var results []byte
	executed := uint32(0)
	status := uint32(nfs4OK)

	for i := uint32(0); i < numOps; i++ {
		op, err := d.uint32()
		if err != nil {
			return nil, err
		}
		opStatus, opResult, err := s.dispatch(ctx, op, d, &st)
		if err != nil {
			return nil, err
		}
		e := &encoder{}
		e.uint32(op)
		e.uint32(opStatus)
		e.buf = append(e.buf, opResult...)
		results = append(results, e.buf...)
		executed++
		if opStatus != nfs4OK {
			status = opStatus
			break
		}
	}

	e := &encoder{}
	e.uint32(status)
	e.str(tag)
	e.uint32(executed)
	e.buf = append(e.buf, results...)
	return e.buf, nil
}

// dispatch executes a single COMPOUND operation, returning its status
// and XDR-encoded result body (not including the leading opcode/status
// that compound itself writes).
func (s *Server) dispatch(ctx context.Context, op uint32, d *decoder, st *compoundState) (uint32, []byte, error) {
	switch op {
	case opPutrootfh:
		st.current = s.fsys.Root()
		return nfs4OK, nil, nil

	case opPutfh:
		fh, err := d.opaque()
		if err != nil {
			return 0, nil, err
		}
		n, ok := s.nodeForHandle(fh)
		if !ok {
			return nfs4ERRNOENT, nil, nil
		}
		st.current = n
		return nfs4OK, nil, nil

	case opSavefh:
		st.saved = st.current
		return nfs4OK, nil, nil

	case opRestorefh:
		st.current = st.saved
		return nfs4OK, nil, nil

	case opGetfh:
		if st.current == nil {
			return nfs4ERRNOENT, nil, nil
		}
		e := &encoder{}
		e.opaque(s.handleFor(st.current))
		return nfs4OK, e.buf, nil

	case opLookup:
		name, err := d.str()
		if err != nil {
			return 0, nil, err
		}
		if st.current == nil {
			return nfs4ERRNOENT, nil, nil
		}
		child, err := s.fsys.Lookup(ctx, st.current, name)
		if err != nil {
			return nfs4ERRNOENT, nil, nil
		}
		st.current = child
		return nfs4OK, nil, nil

	case opGetattr:
		requested, err := d.bitmap()
		if err != nil {
			return 0, nil, err
		}
		if st.current == nil {
			return nfs4ERRNOENT, nil, nil
		}
		return nfs4OK, s.encodeGetattr(st.current, requested), nil

	case opAccess:
		requested, err := d.uint32()
		if err != nil {
			return 0, nil, err
		}
		e := &encoder{}
		e.uint32(requested) // supported: grant everything requested (read-only mount)
		e.uint32(requested)
		return nfs4OK, e.buf, nil

	case opRead:
		return s.handleRead(ctx, d, st)

	case opReaddir:
		return s.handleReaddir(ctx, d, st)

	case opReadlink:
		if st.current == nil {
			return nfs4ERRNOENT, nil, nil
		}
		if st.current.Kind != vfs.NodeSymlink {
			return nfs4ERRNOTSUPP, nil, nil
		}
		target, err := s.fsys.Readlink(ctx, st.current)
		if err != nil {
			return nfs4ERRIO, nil, nil
		}
		e := &encoder{}
		e.str(target)
		return nfs4OK, e.buf, nil

	case opOpen:
		return s.handleOpen(ctx, d, st)

	case opLock:
		return handleLock(d)

	case opLocku:
		return handleLocku(d)

	case opRenew:
		return handleRenew(d)

	case opSecinfo:
		return s.handleSecinfo(ctx, d, st)

	case opSetclientid:
		return handleSetclientid(d)

	case opSetclientidConfirm:
		return handleSetclientidConfirm(d)

	case opReleaseLockowner:
		return handleReleaseLockowner(d)

	default:
		return nfs4ERRNOTSUPP, nil, nil
	}
}

func (s *Server) handleFor(n *vfs.Node) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.nodeHandles[n]; ok {
		return handleBytes(id)
	}
	id := s.next
	s.next++
	s.handles[id] = n
	s.nodeHandles[n] = id
	return handleBytes(id)
}

func (s *Server) nodeForHandle(fh []byte) (*vfs.Node, bool) {
	id, ok := handleID(fh)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.handles[id]
	return n, ok
}

func handleBytes(id uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(id >> (8 * (7 - i)))
	}
	return b
}

func handleID(fh []byte) (uint64, bool) {
	if len(fh) != 8 {
		return 0, false
	}
	var id uint64
	for i := 0; i < 8; i++ {
		id = id<<8 | uint64(fh[i])
	}
	return id, true
}
