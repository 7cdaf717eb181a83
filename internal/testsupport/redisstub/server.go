// Package redisstub is a minimal in-process Redis for tests. It speaks just
// enough RESP2 for the pieces of this service that talk to Redis: the
// presence key-value store (GET/SET/DEL/SCAN/MGET), the login rate limiter
// (INCR/EXPIRE/TTL), and the chat queue (streams with consumer groups).
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	streams  map[string]*stream
	kv       map[string]*entry
	closed   chan struct{}
}

type stream struct {
	entries []streamEntry
	groups  map[string]*groupState
}

type streamEntry struct {
	id     string
	values map[string]string
}

type groupState struct {
	nextIndex int
	pending   map[string]struct{}
}

type entry struct {
	value  string
	expiry time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && now.After(e.expiry)
}

func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &Server{
		opts:     opts,
		listener: ln,
		addr:     ln.Addr().String(),
		streams:  make(map[string]*stream),
		kv:       make(map[string]*entry),
		closed:   make(chan struct{}),
	}
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			_ = writeError(writer, "ERR wrong number of arguments")
			continue
		}
		switch strings.ToUpper(args[0]) {
		case "PING":
			if err := writeSimpleString(writer, "PONG"); err != nil {
				return
			}
		case "HELLO":
			// RESP2 only; the error makes go-redis fall back.
			if err := writeError(writer, "ERR unknown command 'HELLO'"); err != nil {
				return
			}
		case "CLIENT", "SELECT":
			if err := writeSimpleString(writer, "OK"); err != nil {
				return
			}
		case "AUTH":
			password := args[len(args)-1]
			if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				if err := writeSimpleString(writer, "OK"); err != nil {
					return
				}
			} else if err := writeError(writer, "WRONGPASS invalid username-password pair"); err != nil {
				return
			}
		default:
			if !authenticated {
				if err := writeError(writer, "NOAUTH Authentication required."); err != nil {
					return
				}
				continue
			}
			if !s.dispatch(writer, args) {
				return
			}
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, args []string) bool {
	switch strings.ToUpper(args[0]) {
	case "SET":
		return s.handleSet(writer, args)
	case "GET":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'get'") == nil
		}
		value, ok := s.get(args[1])
		if !ok {
			return writeBulkNil(writer) == nil
		}
		return writeBulkString(writer, value) == nil
	case "DEL":
		if len(args) < 2 {
			return writeError(writer, "ERR wrong number of arguments for 'del'") == nil
		}
		return writeInteger(writer, s.del(args[1:])) == nil
	case "MGET":
		if len(args) < 2 {
			return writeError(writer, "ERR wrong number of arguments for 'mget'") == nil
		}
		values := make([]interface{}, 0, len(args)-1)
		for _, key := range args[1:] {
			if value, ok := s.get(key); ok {
				values = append(values, value)
			} else {
				values = append(values, nil)
			}
		}
		return writeArray(writer, values) == nil
	case "SCAN":
		return s.handleScan(writer, args)
	case "INCR":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'incr'") == nil
		}
		value, err := s.incr(args[1])
		if err != nil {
			return writeError(writer, "ERR value is not an integer or out of range") == nil
		}
		return writeInteger(writer, value) == nil
	case "EXPIRE":
		if len(args) != 3 {
			return writeError(writer, "ERR wrong number of arguments for 'expire'") == nil
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(writer, "ERR invalid expire time") == nil
		}
		s.expire(args[1], time.Duration(seconds)*time.Second)
		return writeInteger(writer, 1) == nil
	case "TTL":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'ttl'") == nil
		}
		return writeInteger(writer, s.ttl(args[1])) == nil
	case "XADD":
		return s.handleXAdd(writer, args)
	case "XGROUP":
		return s.handleXGroup(writer, args)
	case "XREADGROUP":
		return s.handleXReadGroup(writer, args)
	case "XACK":
		if len(args) < 4 {
			return writeError(writer, "ERR wrong number of arguments for 'xack'") == nil
		}
		return writeInteger(writer, int64(s.ack(args[1], args[2], args[3:]))) == nil
	default:
		return writeError(writer, fmt.Sprintf("ERR unknown command '%s'", args[0])) == nil
	}
}

func (s *Server) handleSet(writer *bufio.Writer, args []string) bool {
	if len(args) < 3 {
		return writeError(writer, "ERR wrong number of arguments for 'set'") == nil
	}
	var ttl time.Duration
	for i := 3; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "EX", "PX":
			if i+1 >= len(args) {
				return writeError(writer, "ERR syntax error") == nil
			}
			amount, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				return writeError(writer, "ERR invalid expire time") == nil
			}
			if strings.ToUpper(args[i]) == "EX" {
				ttl = time.Duration(amount) * time.Second
			} else {
				ttl = time.Duration(amount) * time.Millisecond
			}
			i++
		default:
			return writeError(writer, "ERR syntax error") == nil
		}
	}
	s.mu.Lock()
	record := &entry{value: args[2]}
	if ttl > 0 {
		record.expiry = time.Now().Add(ttl)
	}
	s.kv[args[1]] = record
	s.mu.Unlock()
	return writeSimpleString(writer, "OK") == nil
}

func (s *Server) handleScan(writer *bufio.Writer, args []string) bool {
	if len(args) < 2 {
		return writeError(writer, "ERR wrong number of arguments for 'scan'") == nil
	}
	match := "*"
	for i := 2; i+1 < len(args); i += 2 {
		switch strings.ToUpper(args[i]) {
		case "MATCH":
			match = args[i+1]
		case "COUNT":
			// The stub returns everything in one pass.
		}
	}
	now := time.Now()
	s.mu.Lock()
	keys := make([]string, 0, len(s.kv))
	for key, record := range s.kv {
		if record.expired(now) {
			delete(s.kv, key)
			continue
		}
		if ok, _ := path.Match(match, key); ok {
			keys = append(keys, key)
		}
	}
	s.mu.Unlock()
	sort.Strings(keys)
	items := make([]interface{}, 0, len(keys))
	for _, key := range keys {
		items = append(items, key)
	}
	return writeArray(writer, []interface{}{"0", items}) == nil
}

func (s *Server) handleXAdd(writer *bufio.Writer, args []string) bool {
	if len(args) < 5 {
		return writeError(writer, "ERR wrong number of arguments for 'xadd'") == nil
	}
	name := args[1]
	id := args[2]
	if id == "*" {
		id = fmt.Sprintf("%d-0", time.Now().UnixNano())
	}
	values := make(map[string]string)
	for i := 3; i+1 < len(args); i += 2 {
		values[args[i]] = args[i+1]
	}
	s.mu.Lock()
	strm := s.ensureStream(name)
	strm.entries = append(strm.entries, streamEntry{id: id, values: values})
	s.mu.Unlock()
	return writeBulkString(writer, id) == nil
}

func (s *Server) handleXGroup(writer *bufio.Writer, args []string) bool {
	if len(args) < 5 {
		return writeError(writer, "ERR wrong number of arguments for 'xgroup'") == nil
	}
	if strings.ToUpper(args[1]) != "CREATE" {
		return writeError(writer, "ERR only CREATE supported") == nil
	}
	name := args[2]
	group := args[3]
	s.mu.Lock()
	strm := s.ensureStream(name)
	if _, exists := strm.groups[group]; exists {
		s.mu.Unlock()
		return writeError(writer, "BUSYGROUP Consumer Group name already exists") == nil
	}
	strm.groups[group] = &groupState{pending: make(map[string]struct{})}
	s.mu.Unlock()
	return writeSimpleString(writer, "OK") == nil
}

func (s *Server) handleXReadGroup(writer *bufio.Writer, args []string) bool {
	if len(args) < 6 {
		return writeError(writer, "ERR wrong number of arguments for 'xreadgroup'") == nil
	}
	var group, name string
	count := 1
	blockMs := 0
	for i := 1; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "GROUP":
			if i+2 >= len(args) {
				return writeError(writer, "ERR syntax error") == nil
			}
			group = args[i+1]
			i += 2
		case "COUNT":
			if i+1 >= len(args) {
				return writeError(writer, "ERR syntax error") == nil
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(writer, "ERR invalid COUNT") == nil
			}
			count = v
			i++
		case "BLOCK":
			if i+1 >= len(args) {
				return writeError(writer, "ERR syntax error") == nil
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(writer, "ERR invalid BLOCK") == nil
			}
			blockMs = v
			i++
		case "STREAMS":
			if i+2 >= len(args) {
				return writeError(writer, "ERR syntax error") == nil
			}
			name = args[i+1]
			i = len(args)
		}
	}
	if name == "" || group == "" {
		return writeError(writer, "ERR missing stream or group") == nil
	}
	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	for {
		items := s.readGroup(name, group, count)
		if len(items) > 0 {
			return writeArray(writer, []interface{}{items}) == nil
		}
		if blockMs <= 0 || time.Now().After(deadline) {
			return writeBulkNil(writer) == nil
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (s *Server) ensureStream(name string) *stream {
	strm, ok := s.streams[name]
	if !ok {
		strm = &stream{groups: make(map[string]*groupState)}
		s.streams[name] = strm
	}
	return strm
}

func (s *Server) readGroup(name, group string, count int) []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm := s.ensureStream(name)
	state, ok := strm.groups[group]
	if !ok {
		state = &groupState{pending: make(map[string]struct{})}
		strm.groups[group] = state
	}
	start := state.nextIndex
	if start >= len(strm.entries) {
		return nil
	}
	end := start + count
	if end > len(strm.entries) {
		end = len(strm.entries)
	}
	records := make([]interface{}, 0, end-start)
	for i := start; i < end; i++ {
		item := strm.entries[i]
		state.pending[item.id] = struct{}{}
		records = append(records, []interface{}{item.id, flatten(item.values)})
	}
	state.nextIndex = end
	return []interface{}{name, records}
}

func flatten(values map[string]string) []interface{} {
	out := make([]interface{}, 0, len(values)*2)
	for k, v := range values {
		out = append(out, k, v)
	}
	return out
}

func (s *Server) ack(name, group string, ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[name]
	if !ok {
		return 0
	}
	state, ok := strm.groups[group]
	if !ok {
		return 0
	}
	count := 0
	for _, id := range ids {
		if _, exists := state.pending[id]; exists {
			delete(state.pending, id)
			count++
		}
	}
	return count
}

func (s *Server) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.kv[key]
	if !ok || record.expired(time.Now()) {
		delete(s.kv, key)
		return "", false
	}
	return record.value, true
}

func (s *Server) del(keys []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for _, key := range keys {
		if _, ok := s.kv[key]; ok {
			delete(s.kv, key)
			removed++
		}
	}
	return removed
}

func (s *Server) incr(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.kv[key]
	if !ok || record.expired(time.Now()) {
		record = &entry{value: "0"}
		s.kv[key] = record
	}
	value, err := strconv.ParseInt(record.value, 10, 64)
	if err != nil {
		return 0, err
	}
	value++
	record.value = strconv.FormatInt(value, 10)
	return value, nil
}

func (s *Server) expire(key string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.kv[key]
	if !ok {
		record = &entry{}
		s.kv[key] = record
	}
	record.expiry = time.Now().Add(ttl)
}

func (s *Server) ttl(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.kv[key]
	if !ok {
		return -2
	}
	if record.expiry.IsZero() {
		return -1
	}
	remaining := time.Until(record.expiry)
	if remaining <= 0 {
		delete(s.kv, key)
		return -2
	}
	return int64(remaining / time.Second)
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	if err := writeArrayRaw(w, values); err != nil {
		return err
	}
	return w.Flush()
}

func writeArrayRaw(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		switch v := value.(type) {
		case nil:
			if _, err := w.WriteString("$-1\r\n"); err != nil {
				return err
			}
		case string:
			if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v); err != nil {
				return err
			}
		case int64:
			if _, err := fmt.Fprintf(w, ":%d\r\n", v); err != nil {
				return err
			}
		case []interface{}:
			if err := writeArrayRaw(w, v); err != nil {
				return err
			}
		default:
			formatted := fmt.Sprint(v)
			if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(formatted), formatted); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
