package wire

const (
	CodeInvalidVersion          = "INVALID_VERSION"
	CodeInvalidStatus           = "INVALID_STATUS"
	CodeInvalidHeaderToken      = "INVALID_HEADER_TOKEN"
	CodeInvalidContentLength    = "INVALID_CONTENT_LENGTH"
	CodeUnexpectedContentLength = "UNEXPECTED_CONTENT_LENGTH"
	CodeInvalidChunkSize        = "INVALID_CHUNK_SIZE"
	CodeInvalidChunk            = "STRICT"
	CodeHeaderOverflow          = "HEADER_OVERFLOW"
)

// ParseError describes malformed input. Data holds the offending line,
// or the partial line buffered when the input ran past a limit.
type ParseError struct {
	Code   string
	Reason string
	Data   []byte
}

func (e *ParseError) Error() string {
	return e.Reason + " (" + e.Code + ")"
}

func (p *Parser) fail(code, reason string) error {
	p.state = stateDead
	at := p.current
	if at == nil {
		at = p.line
	}
	p.err = &ParseError{Code: code, Reason: reason, Data: append([]byte(nil), at...)}
	return p.err
}
