// Package registry implements the tracker's subprocess: a single-threaded
// loop that reads commands from the shared command pipe, maintains the
// refcount table, and unlinks kernel-namespace objects that are no longer
// referenced. The loop exits on an explicit SHUTDOWN command or when every
// write end of the command pipe has been closed, whichever arrives first,
// and sweeps everything still tracked on the way out.
package registry

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/procwatch/restrack/internal/metrics"
	"github.com/procwatch/restrack/internal/protocol"
	"github.com/procwatch/restrack/internal/resource"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger replaces the no-op default logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithUnlinker replaces the platform-default unlinker.
func WithUnlinker(u *resource.Unlinker) Option {
	return func(s *Server) {
		if u != nil {
			s.unlinker = u
		}
	}
}

// WithMetricsListen exposes Prometheus metrics on the provided address for
// the lifetime of the server.
func WithMetricsListen(addr string) Option {
	return func(s *Server) {
		s.metricsListen = addr
	}
}

// Server owns the refcount table. It is the only reader of the command
// pipe and the only writer of the reply pipe; no locking is needed.
type Server struct {
	in  io.Reader
	out io.Writer

	log           *zap.Logger
	unlinker      *resource.Unlinker
	metricsListen string

	table   map[resource.Key]int
	pending map[resource.Key]struct{}
}

// New builds a server reading commands from in and writing replies to out.
func New(in io.Reader, out io.Writer, opts ...Option) *Server {
	s := &Server{
		in:       in,
		out:      out,
		log:      zap.NewNop(),
		unlinker: resource.NewUnlinker(nil),
		table:    make(map[resource.Key]int),
		pending:  make(map[resource.Key]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve signals readiness, applies commands until shutdown or end of
// stream, then unlinks every resource still tracked. The sweep runs even
// when the read loop fails: it is the safety net for resources whose
// owning process crashed without unregistering.
func (s *Server) Serve() error {
	s.startMetricsListener()

	if _, err := io.WriteString(s.out, protocol.ReplyReady+"\n"); err != nil {
		return fmt.Errorf("signal readiness: %w", err)
	}
	s.log.Info("registry serving")

	scanner := bufio.NewScanner(s.in)
	serving := true
	for serving && scanner.Scan() {
		cmd, err := protocol.Decode(scanner.Text())
		if err != nil {
			metrics.IncrementProtocolError()
			s.log.Warn("skipping malformed command", zap.Error(err))
			continue
		}
		serving = s.apply(cmd)
	}

	readErr := scanner.Err()
	if readErr != nil {
		s.log.Error("command pipe read failed", zap.Error(readErr))
	} else if serving {
		s.log.Info("command pipe reached end of stream")
	}

	s.drain()
	if readErr != nil {
		return fmt.Errorf("read commands: %w", readErr)
	}
	return nil
}

// apply mutates the table for one command and reports whether the server
// should keep serving.
func (s *Server) apply(cmd protocol.Command) bool {
	key := resource.Key{Kind: cmd.Kind, Name: cmd.Name}
	switch cmd.Verb {
	case protocol.VerbShutdown:
		s.log.Info("shutdown command received", zap.Int("tracked", len(s.table)))
		return false
	case protocol.VerbProbe:
		s.reply(protocol.ReplyOK + "\n")
	case protocol.VerbList:
		s.replyList()
	case protocol.VerbRegister:
		s.table[key]++
		s.updateGauge(key.Kind)
	case protocol.VerbUnregister:
		s.unregister(key)
	case protocol.VerbMarkUnlink:
		s.pending[key] = struct{}{}
	}
	return true
}

func (s *Server) unregister(key resource.Key) {
	count, ok := s.table[key]
	if !ok {
		s.log.Warn("unregister for untracked resource", zap.String("resource", key.String()))
		return
	}
	count--
	if count > 0 {
		s.table[key] = count
		return
	}
	delete(s.table, key)
	s.updateGauge(key.Kind)
	s.unlink(key)
}

// drain unlinks everything still tracked, exactly once per key, regardless
// of refcount, then clears the table.
func (s *Server) drain() {
	swept := make(map[resource.Key]struct{}, len(s.table)+len(s.pending))
	for key := range s.table {
		swept[key] = struct{}{}
	}
	for key := range s.pending {
		swept[key] = struct{}{}
	}
	if len(swept) > 0 {
		s.log.Warn("sweeping leaked resources", zap.Int("count", len(swept)))
	}
	for key := range swept {
		s.unlink(key)
	}
	s.table = make(map[resource.Key]int)
	s.pending = make(map[resource.Key]struct{})
	for _, kind := range resource.Kinds() {
		metrics.SetTracked(string(kind), 0)
	}
	s.log.Info("registry drained")
}

func (s *Server) unlink(key resource.Key) {
	metrics.IncrementUnlink(string(key.Kind))
	if err := s.unlinker.Unlink(key); err != nil {
		metrics.IncrementUnlinkError(string(key.Kind))
		s.log.Warn("unlink failed", zap.String("resource", key.String()), zap.Error(err))
	}
}

func (s *Server) updateGauge(kind resource.Kind) {
	count := 0
	for key := range s.table {
		if key.Kind == kind {
			count++
		}
	}
	metrics.SetTracked(string(kind), count)
}

// Entries snapshots the table plus pending-unlink names in a stable order.
func (s *Server) Entries() []resource.Entry {
	entries := make([]resource.Entry, 0, len(s.table)+len(s.pending))
	for key, count := range s.table {
		entries = append(entries, resource.Entry{Key: key, Count: count})
	}
	for key := range s.pending {
		if _, tracked := s.table[key]; !tracked {
			entries = append(entries, resource.Entry{Key: key})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Key.Kind != entries[j].Key.Kind {
			return entries[i].Key.Kind < entries[j].Key.Kind
		}
		return entries[i].Key.Name < entries[j].Key.Name
	})
	return entries
}

func (s *Server) replyList() {
	for _, entry := range s.Entries() {
		s.reply(protocol.EncodeEntry(entry))
	}
	s.reply(protocol.ReplyEnd + "\n")
}

// reply failures are logged but never stop the loop: the reply pipe's read
// end lives in the process that spawned the registry, and that process may
// already be gone while other writers still need tracking.
func (s *Server) reply(line string) {
	if _, err := io.WriteString(s.out, line); err != nil {
		s.log.Warn("reply write failed", zap.Error(err))
	}
}

func (s *Server) startMetricsListener() {
	if s.metricsListen == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(s.metricsListen, mux); err != nil {
			s.log.Warn("metrics listener exited", zap.Error(err))
		}
	}()
}
