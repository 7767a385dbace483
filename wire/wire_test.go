// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire_test

import (
	"errors"
	"strings"
	"testing"

	"code.hybscloud.com/zerocp/wire"
)

func TestParseRegisterRequest(t *testing.T) {
	verb, req, err := wire.ParseRequest("REGISTER:proc-a:4242:1")
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if verb != wire.VerbRegister {
		t.Fatalf("expected VerbRegister, got %v", verb)
	}
	r := req.(wire.RegisterRequest)
	if r.Name != "proc-a" || r.PID != 4242 || !r.Monitored {
		t.Fatalf("unexpected parse result: %+v", r)
	}
}

func TestParseRegisterRequestUnmonitored(t *testing.T) {
	_, req, err := wire.ParseRequest("REGISTER:proc-b:1:0")
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.(wire.RegisterRequest).Monitored {
		t.Fatal("expected Monitored=false for a '0' field")
	}
}

func TestRegisterRequestEncodeParseRoundTrip(t *testing.T) {
	original := wire.RegisterRequest{Name: "proc-c", PID: 99, Monitored: true}
	verb, req, err := wire.ParseRequest(original.Encode())
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if verb != wire.VerbRegister {
		t.Fatalf("expected VerbRegister, got %v", verb)
	}
	if req.(wire.RegisterRequest) != original {
		t.Fatalf("round trip mismatch: got %+v want %+v", req, original)
	}
}

func TestParsePublisherRequest(t *testing.T) {
	verb, req, err := wire.ParseRequest("PUBLISHER:proc-a:10:Radar:Front:Cloud")
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if verb != wire.VerbPublisher {
		t.Fatalf("expected VerbPublisher, got %v", verb)
	}
	p := req.(wire.PublisherRequest)
	want := wire.ServiceDescription{Service: "Radar", Instance: "Front", Event: "Cloud"}
	if p.Service != want {
		t.Fatalf("unexpected service: %+v", p.Service)
	}
}

func TestParseSubscriberRequest(t *testing.T) {
	verb, req, err := wire.ParseRequest("SUBSCRIBER:proc-b:11:Radar:Front:Cloud")
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if verb != wire.VerbSubscriber {
		t.Fatalf("expected VerbSubscriber, got %v", verb)
	}
	s := req.(wire.SubscriberRequest)
	want := wire.ServiceDescription{Service: "Radar", Instance: "Front", Event: "Cloud"}
	if s.Service != want {
		t.Fatalf("unexpected service: %+v", s.Service)
	}
}

func TestParseRouteRequest(t *testing.T) {
	verb, req, err := wire.ParseRequest("ROUTE:3:Radar:Front:Cloud:1:42")
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if verb != wire.VerbRoute {
		t.Fatalf("expected VerbRoute, got %v", verb)
	}
	r := req.(wire.RouteRequest)
	if r.PublisherSlot != 3 || r.PoolID != 1 || r.ManagementIndex != 42 {
		t.Fatalf("unexpected route request: %+v", r)
	}
}

func TestParsePingAndDiag(t *testing.T) {
	verb, req, err := wire.ParseRequest("PING")
	if err != nil {
		t.Fatalf("ParseRequest PING: %v", err)
	}
	if verb != wire.VerbPing || req != nil {
		t.Fatalf("unexpected PING parse: verb=%v req=%v", verb, req)
	}

	verb, req, err = wire.ParseRequest("DIAG")
	if err != nil {
		t.Fatalf("ParseRequest DIAG: %v", err)
	}
	if verb != wire.VerbDiag || req != nil {
		t.Fatalf("unexpected DIAG parse: verb=%v req=%v", verb, req)
	}
}

func TestParseUnknownVerb(t *testing.T) {
	_, _, err := wire.ParseRequest("BOGUS:1:2:3")
	var wireErr *wire.Error
	if !errors.As(err, &wireErr) || wireErr.Kind != wire.ErrUnknownCommand {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestParseEmptyLine(t *testing.T) {
	_, _, err := wire.ParseRequest("")
	var wireErr *wire.Error
	if !errors.As(err, &wireErr) || wireErr.Kind != wire.ErrInvalidFormat {
		t.Fatalf("expected ErrInvalidFormat, got %v", err)
	}
}

func TestParseRegisterWrongFieldCount(t *testing.T) {
	_, _, err := wire.ParseRequest("REGISTER:proc-a:1")
	var wireErr *wire.Error
	if !errors.As(err, &wireErr) || wireErr.Kind != wire.ErrInvalidFormat {
		t.Fatalf("expected ErrInvalidFormat, got %v", err)
	}
}

func TestParseRegisterInvalidPID(t *testing.T) {
	_, _, err := wire.ParseRequest("REGISTER:proc-a:not-a-pid:1")
	var wireErr *wire.Error
	if !errors.As(err, &wireErr) || wireErr.Kind != wire.ErrInvalidPID {
		t.Fatalf("expected ErrInvalidPID, got %v", err)
	}
}

func TestParseRegisterNonPositivePID(t *testing.T) {
	_, _, err := wire.ParseRequest("REGISTER:proc-a:0:1")
	var wireErr *wire.Error
	if !errors.As(err, &wireErr) || wireErr.Kind != wire.ErrInvalidPID {
		t.Fatalf("expected ErrInvalidPID for a zero pid, got %v", err)
	}
}

func TestParseRequestOverLengthLimitRejected(t *testing.T) {
	huge := "REGISTER:" + strings.Repeat("a", wire.MaxMessageLen) + ":1:1"
	_, _, err := wire.ParseRequest(huge)
	var wireErr *wire.Error
	if !errors.As(err, &wireErr) || wireErr.Kind != wire.ErrInvalidFormat {
		t.Fatalf("expected ErrInvalidFormat for an over-length message, got %v", err)
	}
}

func TestParseServiceDescriptionFieldTooLong(t *testing.T) {
	long := strings.Repeat("x", wire.MaxIdentifierLen+1)
	_, _, err := wire.ParseRequest("PUBLISHER:proc-a:1:" + long + ":Front:Cloud")
	var wireErr *wire.Error
	if !errors.As(err, &wireErr) || wireErr.Kind != wire.ErrInvalidFormat {
		t.Fatalf("expected ErrInvalidFormat for an over-length identifier, got %v", err)
	}
}

func TestFormatReplies(t *testing.T) {
	cases := map[string]string{
		wire.FormatRegisterReply(7):         "OK:OFFSET:7",
		wire.FormatOfferReply():             "OK:OFFERED",
		wire.FormatSubscriberReply(4096):    "OK:QUEUE_OFFSET:4096",
		wire.FormatRoutedReply():            "OK:ROUTED",
		wire.FormatNoSubscribersReply():     "WARN:NO_SUBSCRIBERS",
		wire.FormatErrorReply(wire.ErrPoolFull): "ERROR:POOL_FULL",
		wire.FormatPongReply():              "OK:PONG",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}

func TestFormatDiagReply(t *testing.T) {
	snapshot := wire.DiagSnapshot{
		Pools: []wire.PoolSnapshot{
			{ChunkSize: 256, Capacity: 8, Allocated: 2, PeakUsed: 3},
		},
		Subscribers: []wire.SubscriberSnapshot{
			{Name: "sub-a", Dropped: 6},
		},
	}
	got := wire.FormatDiagReply(snapshot)
	want := "OK:DIAG:POOLS=256/8/2/3;SUBS=sub-a/6"
	if got != want {
		t.Fatalf("unexpected diag reply: got %q want %q", got, want)
	}
}
