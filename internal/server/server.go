// Package server implements the line-oriented TCP protocol in front of the
// storage engine.
//
// Each request is a single ASCII line, each response a single line:
//
//	p <key> <value>  →  OK
//	g <key>          →  <value> | MISS
//	d <key>          →  OK
//	l <path>         →  OK <count> | ERR <msg>
//	r <lo> <hi>      →  <k1>:<v1> <k2>:<v2> ... (ascending, may be empty)
//	s                →  key=value pairs separated by spaces
//
// Keys and values are unsigned 32-bit decimal integers. Malformed input
// yields an ERR line; the connection stays open.
package server

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tmackey/stratum/internal/metrics"
	"github.com/tmackey/stratum/internal/storage"
)

// Server accepts TCP connections and dispatches commands to the engine.
type Server struct {
	engine  *storage.Engine
	metrics *metrics.Registry
	log     *slog.Logger

	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	stopping bool
	wg       sync.WaitGroup
}

// New creates a server around an open engine. reg may be nil to disable
// instrumentation.
func New(engine *storage.Engine, reg *metrics.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		engine:  engine,
		metrics: reg,
		log:     log,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the listening socket. Split from Serve so the caller can
// report bind errors before entering the accept loop.
func (s *Server) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	s.listener = listener
	s.log.Info("listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve runs the accept loop until Stop is called. Each connection is
// handled on its own goroutine.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			stopping := s.stopping
			s.mu.Unlock()
			if stopping {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.ConnectionOpened()
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Stop closes the listener and all open connections, then waits for the
// connection goroutines to finish.
func (s *Server) Stop() {
	s.mu.Lock()
	s.stopping = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
		if s.metrics != nil {
			s.metrics.ConnectionClosed()
		}
		s.wg.Done()
	}()

	scanner := bufio.NewScanner(conn)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		start := time.Now()
		command, response := s.execute(line)
		if s.metrics != nil {
			status := "ok"
			if strings.HasPrefix(response, "ERR") {
				status = "error"
			}
			s.metrics.RecordCommand(command, status, time.Since(start))
		}

		writer.WriteString(response)
		writer.WriteByte('\n')
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

// execute parses and runs one request line, returning the command name (for
// metrics) and the response line.
func (s *Server) execute(line string) (string, string) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "p":
		if len(fields) != 3 {
			return "put", "ERR bad request"
		}
		key, err1 := parseU32(fields[1])
		value, err2 := parseU32(fields[2])
		if err1 != nil || err2 != nil {
			return "put", "ERR bad request"
		}
		if err := s.engine.Put(key, value); err != nil {
			return "put", errResponse(err)
		}
		return "put", "OK"

	case "g":
		if len(fields) != 2 {
			return "get", "ERR bad request"
		}
		key, err := parseU32(fields[1])
		if err != nil {
			return "get", "ERR bad request"
		}
		value, found, err := s.engine.Get(key)
		if err != nil {
			return "get", errResponse(err)
		}
		if !found {
			return "get", "MISS"
		}
		return "get", strconv.FormatUint(uint64(value), 10)

	case "d":
		if len(fields) != 2 {
			return "delete", "ERR bad request"
		}
		key, err := parseU32(fields[1])
		if err != nil {
			return "delete", "ERR bad request"
		}
		if err := s.engine.Delete(key); err != nil {
			return "delete", errResponse(err)
		}
		return "delete", "OK"

	case "l":
		if len(fields) != 2 {
			return "load", "ERR bad request"
		}
		count, err := s.engine.Load(fields[1])
		if err != nil {
			return "load", errResponse(err)
		}
		return "load", fmt.Sprintf("OK %d", count)

	case "r":
		if len(fields) != 3 {
			return "range", "ERR bad request"
		}
		lo, err1 := parseU32(fields[1])
		hi, err2 := parseU32(fields[2])
		if err1 != nil || err2 != nil {
			return "range", "ERR bad request"
		}
		pairs, err := s.engine.Range(lo, hi)
		if err != nil {
			return "range", errResponse(err)
		}
		var sb strings.Builder
		for i, kv := range pairs {
			if i > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%d:%d", kv.Key, kv.Value)
		}
		return "range", sb.String()

	case "s":
		if len(fields) != 1 {
			return "stats", "ERR bad request"
		}
		return "stats", formatStats(s.engine.Stats())

	default:
		return "unknown", "ERR unknown"
	}
}

// errResponse maps engine errors onto wire error lines.
func errResponse(err error) string {
	switch {
	case errors.Is(err, storage.ErrShuttingDown):
		return "ERR shutting down"
	case errors.Is(err, storage.ErrBadLoadFile):
		return fmt.Sprintf("ERR %v", err)
	default:
		return "ERR io"
	}
}

func parseU32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}

func formatStats(st storage.Stats) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "memtable_bytes=%d memtable_entries=%d flushing=%t",
		st.MemTableBytes, st.MemTableEntries, st.Flushing)
	for i, n := range st.TablesPerLevel {
		fmt.Fprintf(&sb, " l%d_tables=%d l%d_entries=%d", i, n, i, st.EntriesPerLevel[i])
	}
	fmt.Fprintf(&sb, " seq=%d writes=%d reads=%d flushes=%d compactions=%d bytes_read=%d bytes_written=%d",
		st.Seq, st.Writes, st.Reads, st.Flushes, st.Compactions, st.BytesRead, st.BytesWritten)
	return sb.String()
}

// PublishEngineStats copies an engine stats snapshot into the Prometheus
// gauges. Intended to be called periodically by the serving binary.
func PublishEngineStats(reg *metrics.Registry, st storage.Stats) {
	reg.MemTableBytes.Set(float64(st.MemTableBytes))
	reg.FlushesTotal.Set(float64(st.Flushes))
	reg.CompactionsTotal.Set(float64(st.Compactions))
	reg.StorageBytesRead.Set(float64(st.BytesRead))
	reg.StorageBytesWrite.Set(float64(st.BytesWritten))
	for i, n := range st.TablesPerLevel {
		level := strconv.Itoa(i)
		reg.TablesPerLevel.WithLabelValues(level).Set(float64(n))
		reg.EntriesPerLevel.WithLabelValues(level).Set(float64(st.EntriesPerLevel[i]))
	}
}
