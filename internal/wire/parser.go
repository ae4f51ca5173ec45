// package wire implements an incremental HTTP/1.x response parser. The
// parser owns no connection state: bytes are pushed in through
// [Parser.Execute] and message events are reported to [Callbacks] as soon
// as they can be decided.
package wire

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Action is returned by callbacks to steer the parser.
type Action int

const (
	Continue Action = iota
	// SkipBody treats the current message as having no body. Only
	// meaningful from OnHeadersComplete.
	SkipBody
	// Upgrade stops parsing right after the header section, leaving the
	// remaining bytes to the caller.
	Upgrade
	// Pause stops parsing after the current event until [Parser.Resume].
	Pause
	// Abort stops parsing for good. The callback is expected to have
	// torn down the connection already.
	Abort
)

type Callbacks interface {
	OnMessageBegin() Action
	// OnHeader reports one header line, and trailer lines once the body
	// has been read.
	OnHeader(name, value string) Action
	OnHeadersComplete(status int, statusText string, upgrade, keepAlive bool) Action
	OnBody(chunk []byte) Action
	OnMessageComplete() Action
}

var (
	ErrPaused  = errors.New("wire: parser paused")
	ErrUpgrade = errors.New("wire: connection upgraded")
	ErrAborted = errors.New("wire: parser aborted by callback")
)

type state int

const (
	stateStatus state = iota
	stateHeaders
	stateBodyFixed
	stateBodyEOF
	stateChunkSize
	stateChunkData
	stateChunkDataEnd
	stateTrailers
	stateComplete
	stateDead
)

type Parser struct {
	cb            Callbacks
	maxHeaderSize int

	state  state
	line   []byte
	paused bool
	err    error
	// current is the complete line being handled
	current []byte

	headerBytes   int
	major, minor  int
	status        int
	statusText    string
	contentLength int64
	chunked       bool
	teOther       bool
	connClose     bool
	connKeepAlive bool
	connUpgrade   bool
	upgradeHeader bool
	remaining     int64
}

// NewParser creates a response parser. maxHeaderSize bounds the status
// line plus header section, 0 means unbounded.
func NewParser(cb Callbacks, maxHeaderSize int) *Parser {
	p := &Parser{cb: cb, maxHeaderSize: maxHeaderSize}
	p.reset()
	return p
}

func (p *Parser) reset() {
	p.state = stateStatus
	p.line = p.line[:0]
	p.headerBytes = 0
	p.major, p.minor, p.status = 0, 0, 0
	p.statusText = ""
	p.contentLength = -1
	p.chunked, p.teOther = false, false
	p.connClose, p.connKeepAlive, p.connUpgrade, p.upgradeHeader = false, false, false, false
	p.remaining = 0
}

func (p *Parser) Paused() bool { return p.paused }

// Resume clears a pause requested by a callback. The caller feeds the
// bytes left unconsumed by the paused Execute back in afterwards.
func (p *Parser) Resume() { p.paused = false }

// Reading reports whether the body of the current message is delimited by
// the end of the connection.
func (p *Parser) Reading() bool { return p.state == stateBodyEOF }

// Execute parses data and reports how many bytes were consumed. It stops
// early with [ErrPaused], [ErrUpgrade] or [ErrAborted] as directed by the
// callbacks, or with a *[ParseError] on malformed input.
func (p *Parser) Execute(data []byte) (n int, err error) {
	if p.err != nil {
		return 0, p.err
	}
	if p.paused {
		return 0, ErrPaused
	}
	for {
		if p.state == stateComplete {
			p.reset()
			if err := p.act(p.cb.OnMessageComplete()); err != nil {
				return n, err
			}
		}
		if n >= len(data) {
			return n, nil
		}
		switch p.state {
		case stateBodyFixed, stateChunkData:
			chunk := data[n:]
			if int64(len(chunk)) > p.remaining {
				chunk = chunk[:p.remaining]
			}
			n += len(chunk)
			p.remaining -= int64(len(chunk))
			if p.remaining == 0 {
				if p.state == stateBodyFixed {
					p.state = stateComplete
				} else {
					p.state = stateChunkDataEnd
				}
			}
			if err := p.act(p.cb.OnBody(chunk)); err != nil {
				return n, err
			}
		case stateBodyEOF:
			chunk := data[n:]
			n = len(data)
			if err := p.act(p.cb.OnBody(chunk)); err != nil {
				return n, err
			}
		case stateDead:
			return n, ErrUpgrade
		default:
			line, used, ok := p.readLine(data[n:])
			n += used
			p.current = line
			err := p.handleLine(line, used, ok)
			p.current = nil
			if err != nil || !ok {
				return n, err
			}
		}
	}
}

// readLine returns a complete line without its terminator. partial lines
// are buffered and ok is false.
func (p *Parser) readLine(data []byte) (line []byte, used int, ok bool) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		p.line = append(p.line, data...)
		return nil, len(data), false
	}
	used = i + 1
	if len(p.line) > 0 {
		p.line = append(p.line, data[:i]...)
		line = p.line
	} else {
		line = data[:i]
	}
	p.line = p.line[:0]
	return bytes.TrimSuffix(line, []byte{'\r'}), used, true
}

func (p *Parser) handleLine(line []byte, used int, ok bool) error {
	head := p.state == stateStatus || p.state == stateHeaders || p.state == stateTrailers
	if head {
		p.headerBytes += used
		if p.maxHeaderSize > 0 && p.headerBytes > p.maxHeaderSize {
			return p.fail(CodeHeaderOverflow, "header size exceeds limit")
		}
	}
	if !ok {
		if len(p.line) > 4096 && !head {
			return p.fail(CodeInvalidChunkSize, "chunk size line too long")
		}
		return nil
	}
	return p.onLine(line)
}

func (p *Parser) onLine(line []byte) error {
	switch p.state {
	case stateStatus:
		if len(line) == 0 {
			return nil // stray CRLF between messages
		}
		if err := p.act(p.cb.OnMessageBegin()); err != nil {
			return err
		}
		return p.parseStatus(line)
	case stateHeaders:
		if len(line) == 0 {
			return p.headersComplete()
		}
		return p.parseHeader(line, false)
	case stateTrailers:
		if len(line) == 0 {
			p.state = stateComplete
			return nil
		}
		return p.parseHeader(line, true)
	case stateChunkSize:
		return p.parseChunkSize(line)
	case stateChunkDataEnd:
		if len(line) != 0 {
			return p.fail(CodeInvalidChunk, "expected CRLF after chunk data")
		}
		p.state = stateChunkSize
		return nil
	}
	return nil
}

func (p *Parser) parseStatus(line []byte) error {
	s := string(line)
	proto, rest, ok := strings.Cut(s, " ")
	if !ok || len(proto) != 8 || !strings.HasPrefix(proto, "HTTP/") || proto[6] != '.' ||
		!isDigit(proto[5]) || !isDigit(proto[7]) {
		return p.fail(CodeInvalidVersion, "invalid HTTP version")
	}
	p.major, p.minor = int(proto[5]-'0'), int(proto[7]-'0')
	code, text, _ := strings.Cut(rest, " ")
	if len(code) != 3 || !isDigit(code[0]) || !isDigit(code[1]) || !isDigit(code[2]) {
		return p.fail(CodeInvalidStatus, "invalid status code")
	}
	p.status, _ = strconv.Atoi(code)
	p.statusText = text
	p.state = stateHeaders
	return nil
}

func (p *Parser) parseHeader(line []byte, trailer bool) error {
	if line[0] == ' ' || line[0] == '\t' {
		return p.fail(CodeInvalidHeaderToken, "obsolete line folding")
	}
	name, value, ok := strings.Cut(string(line), ":")
	if !ok || !httpguts.ValidHeaderFieldName(name) {
		return p.fail(CodeInvalidHeaderToken, "invalid header token")
	}
	value = strings.Trim(value, " \t")
	if !httpguts.ValidHeaderFieldValue(value) {
		return p.fail(CodeInvalidHeaderToken, "invalid header value char")
	}
	if !trailer {
		switch strings.ToLower(name) {
		case "content-length":
			cl, err := strconv.ParseInt(value, 10, 64)
			if err != nil || cl < 0 {
				return p.fail(CodeInvalidContentLength, "invalid content-length value")
			}
			if p.contentLength != -1 && p.contentLength != cl {
				return p.fail(CodeUnexpectedContentLength, "duplicate content-length")
			}
			p.contentLength = cl
		case "transfer-encoding":
			last := value
			if i := strings.LastIndexByte(value, ','); i >= 0 {
				last = value[i+1:]
			}
			p.chunked = strings.EqualFold(strings.TrimSpace(last), "chunked")
			p.teOther = !p.chunked
		case "connection":
			v := []string{value}
			p.connClose = p.connClose || httpguts.HeaderValuesContainsToken(v, "close")
			p.connKeepAlive = p.connKeepAlive || httpguts.HeaderValuesContainsToken(v, "keep-alive")
			p.connUpgrade = p.connUpgrade || httpguts.HeaderValuesContainsToken(v, "upgrade")
		case "upgrade":
			p.upgradeHeader = true
		}
	}
	return p.act(p.cb.OnHeader(name, value))
}

func (p *Parser) headersComplete() error {
	if p.chunked && p.contentLength != -1 {
		return p.fail(CodeUnexpectedContentLength, "content-length with transfer-encoding chunked")
	}
	status := p.status
	noBody := status < 200 || status == 204 || status == 304
	upgrade := status == 101 && p.upgradeHeader && p.connUpgrade
	keepAlive := p.keepAlive(noBody)

	act := p.cb.OnHeadersComplete(status, p.statusText, upgrade, keepAlive)
	if act == Abort {
		return p.abort()
	}
	if act == Upgrade || upgrade {
		p.state = stateDead
		return ErrUpgrade
	}
	switch {
	case act == SkipBody || noBody:
		p.state = stateComplete
	case p.chunked:
		p.state = stateChunkSize
	case p.contentLength == 0:
		p.state = stateComplete
	case p.contentLength > 0:
		p.remaining = p.contentLength
		p.state = stateBodyFixed
	default:
		p.state = stateBodyEOF
	}
	if act == Pause {
		p.paused = true
		return ErrPaused
	}
	return nil
}

func (p *Parser) keepAlive(noBody bool) bool {
	if p.major > 0 && p.minor > 0 {
		if p.connClose {
			return false
		}
	} else if !p.connKeepAlive {
		return false
	}
	if noBody || p.chunked {
		return true
	}
	return p.contentLength != -1 && !p.teOther
}

func (p *Parser) parseChunkSize(line []byte) error {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = bytes.TrimRight(line, " \t")
	if len(line) == 0 || len(line) > 16 {
		return p.fail(CodeInvalidChunkSize, "invalid chunk size")
	}
	size, err := strconv.ParseUint(string(line), 16, 63)
	if err != nil {
		return p.fail(CodeInvalidChunkSize, "invalid chunk size")
	}
	if size == 0 {
		p.state = stateTrailers
		return nil
	}
	p.remaining = int64(size)
	p.state = stateChunkData
	return nil
}

func (p *Parser) act(a Action) error {
	switch a {
	case Pause:
		p.paused = true
		return ErrPaused
	case Abort:
		return p.abort()
	}
	return nil
}

func (p *Parser) abort() error {
	p.state = stateDead
	p.err = ErrAborted
	return ErrAborted
}

func isDigit(b byte) bool { return '0' <= b && b <= '9' }
