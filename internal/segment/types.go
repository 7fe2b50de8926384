package segment

// FetchErrorKind classifies a failed fetch attempt so the rate
// controller can react to 403s without string matching.
type FetchErrorKind int

const (
	ErrKindNone FetchErrorKind = iota
	ErrKindTimeout
	ErrKindForbidden
	ErrKindConnectionReset
	ErrKindOther
)

func (k FetchErrorKind) String() string {
	switch k {
	case ErrKindTimeout:
		return "timeout"
	case ErrKindForbidden:
		return "forbidden"
	case ErrKindConnectionReset:
		return "connection-reset"
	case ErrKindOther:
		return "other"
	}
	return "none"
}

// Task is immutable once enqueued. Key and IV are nil for clear
// segments.
type Task struct {
	Index    int
	URL      string
	DestPath string
	Key      []byte
	IV       []byte
}

// Result is transient state consumed by the pool coordinator.
type Result struct {
	Index        int
	Success      bool
	Resumed      bool
	BytesWritten int64
	Kind         FetchErrorKind
	Hit403       bool
}
