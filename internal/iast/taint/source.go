package taint

import (
	"fmt"
	"strings"
)

// Origin classifies where untrusted data entered the process.
type Origin uint8

const (
	OriginUnknown Origin = iota
	OriginRequestParameterValue
	OriginRequestParameterName
	OriginRequestHeaderValue
	OriginRequestHeaderName
	OriginRequestCookieValue
	OriginRequestCookieName
	OriginRequestBody
	OriginRequestPath
	OriginRequestPathParameter
	OriginRequestQuery
	OriginRequestMatrixParameter
	OriginRequestURI
	OriginGRPCBody
	OriginKafkaMessageKey
	OriginKafkaMessageValue
	OriginSQLRowValue
)

var originNames = [...]string{
	OriginUnknown:                "unknown",
	OriginRequestParameterValue:  "http.request.parameter",
	OriginRequestParameterName:   "http.request.parameter.name",
	OriginRequestHeaderValue:     "http.request.header",
	OriginRequestHeaderName:      "http.request.header.name",
	OriginRequestCookieValue:     "http.request.cookie.value",
	OriginRequestCookieName:      "http.request.cookie.name",
	OriginRequestBody:            "http.request.body",
	OriginRequestPath:            "http.request.path",
	OriginRequestPathParameter:   "http.request.path.parameter",
	OriginRequestQuery:           "http.request.query",
	OriginRequestMatrixParameter: "http.request.matrix.parameter",
	OriginRequestURI:             "http.request.uri",
	OriginGRPCBody:               "grpc.request.body",
	OriginKafkaMessageKey:        "kafka.message.key",
	OriginKafkaMessageValue:      "kafka.message.value",
	OriginSQLRowValue:            "sql.row.value",
}

func (o Origin) String() string {
	if int(o) < len(originNames) {
		return originNames[o]
	}
	return fmt.Sprintf("origin(%d)", uint8(o))
}

// MarshalText encodes the origin by its canonical name.
func (o Origin) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText decodes a canonical origin name.
func (o *Origin) UnmarshalText(text []byte) error {
	parsed, err := ParseOrigin(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// ParseOrigin resolves a canonical origin name.
func ParseOrigin(name string) (Origin, error) {
	for i, n := range originNames {
		if n == name {
			return Origin(i), nil
		}
	}
	return OriginUnknown, fmt.Errorf("unknown taint origin %q", name)
}

// Source identifies the untrusted input a range was derived from. Sources are
// immutable once built and are shared by pointer between ranges.
type Source struct {
	Origin Origin `json:"origin"`
	Name   string `json:"name,omitempty"`
	Value  string `json:"value,omitempty"`
}

// NewSource builds a source; empty name or value means absent.
func NewSource(origin Origin, name, value string) *Source {
	return &Source{Origin: origin, Name: name, Value: value}
}

func (s *Source) String() string {
	if s == nil {
		return "<nil source>"
	}
	var b strings.Builder
	b.WriteString(s.Origin.String())
	if s.Name != "" {
		b.WriteString(" name=")
		b.WriteString(s.Name)
	}
	return b.String()
}
