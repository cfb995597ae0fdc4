// Package pttrace wraps the OpenTelemetry calls used by the node driver,
// so callers only import one package for spans and attributes.
package pttrace

import (
	"fmt"

	"github.com/gordian-engine/powertree/ptwire"
	otelattr "go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	otpnoop "go.opentelemetry.io/otel/trace/noop"
)

type TracerProvider = oteltrace.TracerProvider

type Tracer = oteltrace.Tracer

type Span = oteltrace.Span

type KeyValueAttr = otelattr.KeyValue

// TracerName is the instrumentation name for powertree spans.
const TracerName = "github.com/gordian-engine/powertree"

// NopTracerProvider returns the otel no-op tracer provider,
// used when a nil provider is configured.
func NopTracerProvider() TracerProvider {
	return otpnoop.NewTracerProvider()
}

// WithAttributes is an alias to [oteltrace.WithAttributes].
func WithAttributes(attrs ...KeyValueAttr) oteltrace.SpanStartEventOption {
	return oteltrace.WithAttributes(attrs...)
}

// SpanError sets span to error status with the detail from err.
func SpanError(span Span, err error) {
	span.SetStatus(otelcodes.Error, err.Error())
}

// ErrorAttr returns an "err" attribute whose value is evaluated lazily.
func ErrorAttr(err error) KeyValueAttr {
	return otelattr.Stringer("err", errStringer{err: err})
}

type errStringer struct {
	err error
}

func (e errStringer) String() string {
	return e.err.Error()
}

// AddrAttr formats a link address only if the span is recorded.
func AddrAttr(key string, a ptwire.Addr) KeyValueAttr {
	return otelattr.Stringer(key, a)
}

func FrameTypeAttr(ft ptwire.FrameType) KeyValueAttr {
	return otelattr.Stringer("powertree.frame.type", ft)
}

func GameIDAttr(id uint64) KeyValueAttr {
	return otelattr.Stringer("powertree.game", lazyHex{val: id})
}

func SeqAttr(seq uint16) KeyValueAttr {
	return otelattr.Int("powertree.frame.seq", int(seq))
}

type lazyHex struct {
	val any
}

func (h lazyHex) String() string {
	return fmt.Sprintf("%x", h.val)
}
