// File: protocol/resp.go
// RESP request/response engine: array-form decoder, command dispatch to the
// KV store, and sigil reply encoding. One instance per connection; the only
// per-connection state is implicit in the engine's receive buffer, which the
// restartable decoder leaves untouched until a full message arrives.

package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/sgly123/netbox/api"
	"github.com/sgly123/netbox/store"
)

// HeartbeatMagic is the engine-level application keepalive marker. Legacy
// clients may send it ahead of a command; the decoder strips any number of
// leading occurrences.
var HeartbeatMagic = []byte{0xFA, 0xFB, 0xFC, 0xFD}

// errMalformedRESP is fatal: the connection is closed.
type errMalformedRESP struct{ detail string }

func (e errMalformedRESP) Error() string { return "malformed RESP: " + e.detail }

// RESP implements api.Protocol for one connection.
type RESP struct {
	kv *store.Store
}

// NewRESP returns an instance bound to the shared store.
func NewRESP(kv *store.Store) *RESP {
	return &RESP{kv: kv}
}

func (r *RESP) Name() string { return "resp" }

// Feed drains every complete pipelined command in data and encodes one reply
// per command. An incomplete trailing message consumes nothing of itself.
func (r *RESP) Feed(data []byte) api.Outcome {
	var out api.Outcome
	for out.Consumed < len(data) {
		// Strip keepalive magic and stray NULs between commands.
		rest := data[out.Consumed:]
		skipped := skipNoise(rest)
		out.Consumed += skipped
		rest = rest[skipped:]
		if len(rest) == 0 {
			break
		}
		if len(rest) < 4 && bytes.HasPrefix(HeartbeatMagic, rest) {
			// Tail could be a split magic group; wait for the rest.
			break
		}

		args, n, err := respDecode(rest)
		if err != nil {
			out.Consumed = len(data)
			out.Close = true
			out.CloseReason = err.Error()
			return out
		}
		if n == 0 {
			break
		}
		out.Consumed += n
		out.Control = append(out.Control, r.execute(args))
	}
	return out
}

// skipNoise returns how many leading bytes of b are keepalive magic groups
// or NUL padding.
func skipNoise(b []byte) int {
	n := 0
	for {
		switch {
		case len(b[n:]) >= 4 && bytes.Equal(b[n:n+4], HeartbeatMagic):
			n += 4
		case len(b[n:]) >= 1 && b[n] == 0x00:
			n++
		default:
			return n
		}
	}
}

// respDecode parses one array-form message: *N\r\n then N bulk strings
// $L\r\n<L bytes>\r\n. Returns (nil, 0, nil) when the buffer does not yet
// hold a complete message; argument bytes are copied out of buf.
func respDecode(buf []byte) (args [][]byte, n int, err error) {
	if buf[0] != '*' {
		return nil, 0, errMalformedRESP{detail: "expected array"}
	}
	count, pos, ok, err := respLength(buf, 1)
	if err != nil || !ok {
		return nil, 0, err
	}
	if count < 0 {
		return nil, 0, errMalformedRESP{detail: "negative array length"}
	}
	args = make([][]byte, 0, count)
	for i := int64(0); i < count; i++ {
		if pos >= len(buf) {
			return nil, 0, nil
		}
		if buf[pos] != '$' {
			return nil, 0, errMalformedRESP{detail: "expected bulk string"}
		}
		l, next, ok, err := respLength(buf, pos+1)
		if err != nil || !ok {
			return nil, 0, err
		}
		if l < 0 {
			return nil, 0, errMalformedRESP{detail: "negative bulk length"}
		}
		end := next + int(l)
		if end+2 > len(buf) {
			return nil, 0, nil
		}
		if buf[end] != '\r' || buf[end+1] != '\n' {
			return nil, 0, errMalformedRESP{detail: "bulk string missing terminator"}
		}
		arg := make([]byte, l)
		copy(arg, buf[next:end])
		args = append(args, arg)
		pos = end + 2
	}
	return args, pos, nil
}

// respLength parses the decimal length terminated by \r\n starting at off.
// ok is false when the terminator has not arrived yet.
func respLength(buf []byte, off int) (val int64, next int, ok bool, err error) {
	idx := bytes.Index(buf[off:], []byte("\r\n"))
	if idx < 0 {
		if len(buf)-off > 16 {
			return 0, 0, false, errMalformedRESP{detail: "unterminated length"}
		}
		return 0, 0, false, nil
	}
	v, perr := strconv.ParseInt(string(buf[off:off+idx]), 10, 64)
	if perr != nil {
		return 0, 0, false, errMalformedRESP{detail: "bad length"}
	}
	return v, off + idx + 2, true, nil
}

// execute runs one decoded command and returns the encoded reply. Unknown
// commands are recoverable: an error reply, connection stays open.
func (r *RESP) execute(args [][]byte) []byte {
	if len(args) == 0 {
		return respError("ERR empty command")
	}
	cmd := strings.ToUpper(string(args[0]))

	switch cmd {
	case "PING":
		switch len(args) {
		case 1:
			return respSimple("PONG")
		case 2:
			return respBulk(args[1])
		default:
			return respError("ERR wrong number of arguments for 'ping' command")
		}

	case "COMMAND":
		return respArray(nil)

	case "SET":
		if len(args) != 3 {
			return respError("ERR wrong number of arguments for 'set' command")
		}
		r.kv.Set(string(args[1]), args[2])
		return respSimple("OK")

	case "GET":
		if len(args) != 2 {
			return respError("ERR wrong number of arguments for 'get' command")
		}
		val, ok, err := r.kv.Get(string(args[1]))
		if err != nil {
			return respError(err.Error())
		}
		if !ok {
			return respNull()
		}
		return respBulk(val)

	case "DEL":
		if len(args) < 2 {
			return respError("ERR wrong number of arguments for 'del' command")
		}
		keys := make([]string, len(args)-1)
		for i, a := range args[1:] {
			keys[i] = string(a)
		}
		return respInteger(int64(r.kv.Del(keys...)))

	case "KEYS":
		if len(args) != 2 {
			return respError("ERR wrong number of arguments for 'keys' command")
		}
		keys := r.kv.Keys()
		items := make([][]byte, len(keys))
		for i, k := range keys {
			items[i] = []byte(k)
		}
		return respArray(items)

	case "LPUSH":
		if len(args) < 3 {
			return respError("ERR wrong number of arguments for 'lpush' command")
		}
		n, err := r.kv.LPush(string(args[1]), args[2:]...)
		if err != nil {
			return respError(err.Error())
		}
		return respInteger(int64(n))

	case "LPOP":
		if len(args) != 2 {
			return respError("ERR wrong number of arguments for 'lpop' command")
		}
		val, ok, err := r.kv.LPop(string(args[1]))
		if err != nil {
			return respError(err.Error())
		}
		if !ok {
			return respNull()
		}
		return respBulk(val)

	case "LRANGE":
		if len(args) != 4 {
			return respError("ERR wrong number of arguments for 'lrange' command")
		}
		start, err1 := strconv.Atoi(string(args[2]))
		stop, err2 := strconv.Atoi(string(args[3]))
		if err1 != nil || err2 != nil {
			return respError("ERR value is not an integer or out of range")
		}
		items, err := r.kv.LRange(string(args[1]), start, stop)
		if err != nil {
			return respError(err.Error())
		}
		return respArray(items)

	case "HSET":
		if len(args) != 4 {
			return respError("ERR wrong number of arguments for 'hset' command")
		}
		n, err := r.kv.HSet(string(args[1]), string(args[2]), args[3])
		if err != nil {
			return respError(err.Error())
		}
		return respInteger(int64(n))

	case "HGET":
		if len(args) != 3 {
			return respError("ERR wrong number of arguments for 'hget' command")
		}
		val, ok, err := r.kv.HGet(string(args[1]), string(args[2]))
		if err != nil {
			return respError(err.Error())
		}
		if !ok {
			return respNull()
		}
		return respBulk(val)

	case "HKEYS":
		if len(args) != 2 {
			return respError("ERR wrong number of arguments for 'hkeys' command")
		}
		fields, err := r.kv.HKeys(string(args[1]))
		if err != nil {
			return respError(err.Error())
		}
		items := make([][]byte, len(fields))
		for i, f := range fields {
			items[i] = []byte(f)
		}
		return respArray(items)

	default:
		return respError(fmt.Sprintf("ERR unknown command '%s'", cmd))
	}
}

// ---- reply encoding ----

func respSimple(s string) []byte {
	return []byte("+" + s + "\r\n")
}

func respError(msg string) []byte {
	return []byte("-" + msg + "\r\n")
}

func respInteger(v int64) []byte {
	return []byte(":" + strconv.FormatInt(v, 10) + "\r\n")
}

func respBulk(b []byte) []byte {
	out := make([]byte, 0, len(b)+16)
	out = append(out, '$')
	out = strconv.AppendInt(out, int64(len(b)), 10)
	out = append(out, '\r', '\n')
	out = append(out, b...)
	return append(out, '\r', '\n')
}

func respNull() []byte {
	return []byte("$-1\r\n")
}

func respArray(items [][]byte) []byte {
	out := []byte("*" + strconv.Itoa(len(items)) + "\r\n")
	for _, it := range items {
		out = append(out, respBulk(it)...)
	}
	return out
}

// EncodeArray renders items as a RESP array-form request, the inverse of
// respDecode. Used by clients and tests.
func EncodeArray(items [][]byte) []byte {
	return respArray(items)
}

// DecodeArray parses one array-form message, exposing the decoder to tests
// and tooling.
func DecodeArray(buf []byte) (args [][]byte, n int, err error) {
	if len(buf) == 0 {
		return nil, 0, nil
	}
	return respDecode(buf)
}

// SniffRESP claims connections whose first meaningful byte is the array
// sigil, skipping leading keepalive magic and NUL padding.
func SniffRESP(b []byte) api.SniffResult {
	n := skipNoise(b)
	if n >= len(b) {
		return api.SniffMore
	}
	rest := b[n:]
	if len(rest) < 4 && bytes.HasPrefix(HeartbeatMagic, rest) {
		return api.SniffMore
	}
	if rest[0] == '*' {
		return api.SniffMatch
	}
	return api.SniffReject
}
