// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package wire implements the router daemon's line-oriented wire format:
// ASCII datagrams with colon-separated fields, one verb per datagram,
// one reply datagram per request, per spec.md §4.5.1.
//
// The verb-as-sum-type dispatch (ParseRequest decoding into one of a
// small closed set of request structs) follows spec.md §9's "variant/tag
// modeling" note; the colon-separated line shape itself is grounded on
// `other_examples/` single-file message-bus clients that parse a
// similarly delimited control line before falling back to JSON for the
// payload — here there is no payload to carry, so the whole message
// stays delimited text, matching the reference protocol's own framing.
package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxMessageLen is the maximum size, in bytes, of one datagram, per
// spec.md §6.
const MaxMessageLen = 1024

// MaxIdentifierLen is the maximum length of a service/instance/event
// identifier or a process name, per spec.md §9.
const MaxIdentifierLen = 64

// MaxSocketPathLen is the maximum length of a socket path, bounded by
// sockaddr_un on Linux, per spec.md §9.
const MaxSocketPathLen = 108

// Verb names one of the wire protocol's request types.
type Verb string

const (
	VerbRegister   Verb = "REGISTER"
	VerbPublisher  Verb = "PUBLISHER"
	VerbSubscriber Verb = "SUBSCRIBER"
	VerbRoute      Verb = "ROUTE"
	VerbPing       Verb = "PING"
	VerbDiag       Verb = "DIAG"
)

// ErrorKind is one of the typed error kinds of spec.md §4.5.1/§7.
type ErrorKind string

const (
	ErrInvalidFormat    ErrorKind = "INVALID_FORMAT"
	ErrParseFailed      ErrorKind = "PARSE_FAILED"
	ErrInvalidPID       ErrorKind = "INVALID_PID"
	ErrPoolFull         ErrorKind = "POOL_FULL"
	ErrAllocationFailed ErrorKind = "ALLOCATION_FAILED"
	ErrUnknownCommand   ErrorKind = "UNKNOWN_COMMAND"
	ErrNotRegistered    ErrorKind = "NOT_REGISTERED"
	ErrDuplicateOffer   ErrorKind = "DUPLICATE_OFFER"
)

// Error wraps one of the wire protocol's typed error kinds so callers can
// distinguish protocol errors from Go's ordinary error values.
type Error struct {
	Kind ErrorKind
}

func (e *Error) Error() string {
	return "wire: " + string(e.Kind)
}

func wireErr(kind ErrorKind) error {
	return &Error{Kind: kind}
}

// ServiceDescription identifies a publish/subscribe endpoint by its
// three-part service/instance/event triple, per spec.md §4.5.4.
type ServiceDescription struct {
	Service  string
	Instance string
	Event    string
}

func (s ServiceDescription) validate() error {
	for _, field := range [...]string{s.Service, s.Instance, s.Event} {
		if len(field) == 0 || len(field) > MaxIdentifierLen {
			return wireErr(ErrInvalidFormat)
		}
	}
	return nil
}

func (s ServiceDescription) encode() string {
	return s.Service + ":" + s.Instance + ":" + s.Event
}

// RegisterRequest is the REGISTER verb's payload.
type RegisterRequest struct {
	Name      string
	PID       int32
	Monitored bool
}

// PublisherRequest is the PUBLISHER verb's payload.
type PublisherRequest struct {
	Name    string
	PID     int32
	Service ServiceDescription
}

// SubscriberRequest is the SUBSCRIBER verb's payload.
type SubscriberRequest struct {
	Name    string
	PID     int32
	Service ServiceDescription
}

// RouteRequest is the ROUTE verb's payload.
type RouteRequest struct {
	PublisherSlot   uint32
	Service         ServiceDescription
	PoolID          uint16
	ManagementIndex uint32
}

func splitFields(line string) []string {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil
	}
	return strings.Split(line, ":")
}

func parsePID(s string) (int32, error) {
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil || n <= 0 {
		return 0, wireErr(ErrInvalidPID)
	}
	return int32(n), nil
}

func parseUint32(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, wireErr(ErrParseFailed)
	}
	return uint32(n), nil
}

func parseUint16(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, wireErr(ErrParseFailed)
	}
	return uint16(n), nil
}

func parseName(s string) (string, error) {
	if len(s) == 0 || len(s) > MaxIdentifierLen {
		return "", wireErr(ErrInvalidFormat)
	}
	return s, nil
}

// ParseRequest decodes one datagram into its verb and typed request
// value. req is nil for PING and DIAG, which carry no fields. The
// returned error, when non-nil, is always a *Error so callers can format
// a typed ERROR reply directly.
func ParseRequest(line string) (verb Verb, req any, err error) {
	if len(line) > MaxMessageLen {
		return "", nil, wireErr(ErrInvalidFormat)
	}
	fields := splitFields(line)
	if len(fields) == 0 {
		return "", nil, wireErr(ErrInvalidFormat)
	}

	switch Verb(fields[0]) {
	case VerbRegister:
		if len(fields) != 4 {
			return "", nil, wireErr(ErrInvalidFormat)
		}
		name, err := parseName(fields[1])
		if err != nil {
			return "", nil, err
		}
		pid, err := parsePID(fields[2])
		if err != nil {
			return "", nil, err
		}
		monitored := fields[3] == "1" || strings.EqualFold(fields[3], "true")
		return VerbRegister, RegisterRequest{Name: name, PID: pid, Monitored: monitored}, nil

	case VerbPublisher:
		req, err := parseOffer(fields)
		if err != nil {
			return "", nil, err
		}
		return VerbPublisher, PublisherRequest(req), nil

	case VerbSubscriber:
		req, err := parseOffer(fields)
		if err != nil {
			return "", nil, err
		}
		return VerbSubscriber, SubscriberRequest(req), nil

	case VerbRoute:
		if len(fields) != 7 {
			return "", nil, wireErr(ErrInvalidFormat)
		}
		slot, err := parseUint32(fields[1])
		if err != nil {
			return "", nil, err
		}
		svc := ServiceDescription{Service: fields[2], Instance: fields[3], Event: fields[4]}
		if err := svc.validate(); err != nil {
			return "", nil, err
		}
		poolID, err := parseUint16(fields[5])
		if err != nil {
			return "", nil, err
		}
		mgmtIdx, err := parseUint32(fields[6])
		if err != nil {
			return "", nil, err
		}
		return VerbRoute, RouteRequest{
			PublisherSlot:   slot,
			Service:         svc,
			PoolID:          poolID,
			ManagementIndex: mgmtIdx,
		}, nil

	case VerbPing:
		if len(fields) != 1 {
			return "", nil, wireErr(ErrInvalidFormat)
		}
		return VerbPing, nil, nil

	case VerbDiag:
		if len(fields) != 1 {
			return "", nil, wireErr(ErrInvalidFormat)
		}
		return VerbDiag, nil, nil

	default:
		return "", nil, wireErr(ErrUnknownCommand)
	}
}

// publisherOrSubscriberRequest is the shared shape of PublisherRequest
// and SubscriberRequest, used only to decode both verbs with one parser.
type publisherOrSubscriberRequest struct {
	Name    string
	PID     int32
	Service ServiceDescription
}

func parseOffer(fields []string) (publisherOrSubscriberRequest, error) {
	if len(fields) != 6 {
		return publisherOrSubscriberRequest{}, wireErr(ErrInvalidFormat)
	}
	name, err := parseName(fields[1])
	if err != nil {
		return publisherOrSubscriberRequest{}, err
	}
	pid, err := parsePID(fields[2])
	if err != nil {
		return publisherOrSubscriberRequest{}, err
	}
	svc := ServiceDescription{Service: fields[3], Instance: fields[4], Event: fields[5]}
	if err := svc.validate(); err != nil {
		return publisherOrSubscriberRequest{}, err
	}
	return publisherOrSubscriberRequest{Name: name, PID: pid, Service: svc}, nil
}

// Encode formats a RegisterRequest back into wire form, for clients.
func (r RegisterRequest) Encode() string {
	monitored := "0"
	if r.Monitored {
		monitored = "1"
	}
	return fmt.Sprintf("%s:%s:%d:%s", VerbRegister, r.Name, r.PID, monitored)
}

// Encode formats a PublisherRequest back into wire form, for clients.
func (r PublisherRequest) Encode() string {
	return fmt.Sprintf("%s:%s:%d:%s", VerbPublisher, r.Name, r.PID, r.Service.encode())
}

// Encode formats a SubscriberRequest back into wire form, for clients.
func (r SubscriberRequest) Encode() string {
	return fmt.Sprintf("%s:%s:%d:%s", VerbSubscriber, r.Name, r.PID, r.Service.encode())
}

// Encode formats a RouteRequest back into wire form, for the daemon.
func (r RouteRequest) Encode() string {
	return fmt.Sprintf("%s:%d:%s:%d:%d", VerbRoute, r.PublisherSlot, r.Service.encode(), r.PoolID, r.ManagementIndex)
}

// FormatRegisterReply formats a successful REGISTER reply.
func FormatRegisterReply(slotIndex uint32) string {
	return fmt.Sprintf("OK:OFFSET:%d", slotIndex)
}

// FormatOfferReply formats a successful PUBLISHER/SUBSCRIBER reply for
// the publisher side, which carries no extra payload beyond success.
func FormatOfferReply() string {
	return "OK:OFFERED"
}

// FormatSubscriberReply formats a successful SUBSCRIBER reply, carrying
// the offset of the receive queue the subscriber should mmap-view.
func FormatSubscriberReply(queueOffset uint64) string {
	return fmt.Sprintf("OK:QUEUE_OFFSET:%d", queueOffset)
}

// FormatRoutedReply formats a successful ROUTE reply.
func FormatRoutedReply() string {
	return "OK:ROUTED"
}

// FormatNoSubscribersReply formats the ROUTE reply for zero matching
// subscribers.
func FormatNoSubscribersReply() string {
	return "WARN:NO_SUBSCRIBERS"
}

// FormatErrorReply formats a typed error reply.
func FormatErrorReply(kind ErrorKind) string {
	return fmt.Sprintf("ERROR:%s", kind)
}

// FormatPongReply formats the diagnostics ping reply.
func FormatPongReply() string {
	return "OK:PONG"
}
