package codec

// CallKind is the streaming shape of a method. It is recorded in the method
// descriptor so that client and router dispatch without reflecting on
// handler signatures.
type CallKind int

const (
	Unary CallKind = iota
	ClientStream
	ServerStream
	BidiStream
)

func (k CallKind) String() string {
	switch k {
	case Unary:
		return "unary"
	case ClientStream:
		return "client-stream"
	case ServerStream:
		return "server-stream"
	case BidiStream:
		return "bidi-stream"
	}
	return "unknown"
}

// ClientStreaming reports whether the caller may send more than one message.
func (k CallKind) ClientStreaming() bool {
	return k == ClientStream || k == BidiStream
}

// ServerStreaming reports whether the peer may send more than one message.
func (k CallKind) ServerStreaming() bool {
	return k == ServerStream || k == BidiStream
}

// MethodDescriptor identifies one remote operation. Instances are immutable
// after construction.
type MethodDescriptor struct {
	Service  string // dotted service name, e.g. "org.apache.dubbo.samples.HelloWorld"
	Method   string // method name, e.g. "sayHello"
	Kind     CallKind
	Request  Codec // client: serialize; server: deserialize
	Response Codec // client: deserialize; server: serialize
}

// Path is the HTTP/2 :path for this method.
func (d *MethodDescriptor) Path() string {
	return "/" + d.Service + "/" + d.Method
}

// ContentSubtype is the codec name carried in the content-type header.
func (d *MethodDescriptor) ContentSubtype() string {
	if d.Request.Name != "" {
		return d.Request.Name
	}
	return "proto"
}
