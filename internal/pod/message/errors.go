package message

import "fmt"

// DecodeErrorKind classifies a decode failure.
type DecodeErrorKind int

const (
	CRCMismatch DecodeErrorKind = iota + 1
	Truncated
	UnknownType
)

func (k DecodeErrorKind) String() string {
	switch k {
	case CRCMismatch:
		return "crc mismatch"
	case Truncated:
		return "truncated"
	case UnknownType:
		return "unknown block type"
	default:
		return fmt.Sprintf("decode error %d", int(k))
	}
}

// DecodeError is returned by Decode for any malformed frame.
type DecodeError struct {
	Kind   DecodeErrorKind
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return "message: " + e.Kind.String()
	}
	return fmt.Sprintf("message: %s: %s", e.Kind, e.Detail)
}

// Is lets errors.Is match on kind: errors.Is(err, &DecodeError{Kind: CRCMismatch}).
func (e *DecodeError) Is(target error) bool {
	t, ok := target.(*DecodeError)
	return ok && t.Kind == e.Kind
}
