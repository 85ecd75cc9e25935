package modem_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/ubipo/water-well-level/at"
	"github.com/ubipo/water-well-level/modem"
	"github.com/ubipo/water-well-level/modem/sim"
	"go.uber.org/mock/gomock"
)

// newMockModem returns a modem whose transport expects calls in order.
func newMockModem(t *testing.T, ctrl *gomock.Controller, calls func(*modem.MockTransport) []any) *modem.Modem {
	t.Helper()
	mockTransport := modem.NewMockTransport(ctrl)
	mockDialer := modem.NewMockDialer(ctrl)

	gomock.InOrder(slices.Concat(
		[]any{
			mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
		},
		calls(mockTransport),
	)...)

	config, err := modem.NewConfigBuilder().
		WithDialer(mockDialer).
		WithATTimeout(100 * time.Millisecond).
		Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}
	m, err := modem.New(context.Background(), config)
	if err != nil {
		t.Fatalf("unexpected error from New(): %v", err)
	}
	return m
}

// newSimModem returns a modem attached to s with timings short enough for
// tests. opts may adjust the configuration further.
func newSimModem(t *testing.T, s *sim.Modem, opts ...func(*modem.ConfigBuilder)) *modem.Modem {
	t.Helper()
	b := modem.NewConfigBuilder().
		WithDialer(sim.Dialer{Modem: s}).
		WithATTimeout(200*time.Millisecond).
		WithEchoBudget(time.Second, 10*time.Millisecond).
		WithRegistrationTimeout(time.Second).
		WithRegistrationPollInterval(time.Millisecond).
		WithFlushWindow(5 * time.Millisecond)
	for _, opt := range opts {
		opt(b)
	}
	config, err := b.Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}
	m, err := modem.New(context.Background(), config)
	if err != nil {
		t.Fatalf("unexpected error from New(): %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestModemNew(t *testing.T) {
	t.Run("Dials without talking to the modem", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		m := newMockModem(t, ctrl, func(*modem.MockTransport) []any { return nil })
		if m.State() != modem.PoweredOff {
			t.Errorf("expected state %s, got %s", modem.PoweredOff, m.State())
		}
	})

	t.Run("Dialer error", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDialer := modem.NewMockDialer(ctrl)
		mockDialer.EXPECT().Dial(gomock.Any()).Return(nil, errors.New("connection failed"))

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if err == nil {
			t.Error("expected error from dialer failure")
		}
		if m != nil {
			t.Error("New() should return nil modem when dialer fails")
		}
	})

	t.Run("ErrNoDialer when no dialer provided", func(t *testing.T) {
		m, err := modem.New(context.Background(), modem.Config{})
		if !errors.Is(err, modem.ErrNoDialer) {
			t.Errorf("expected ErrNoDialer from New(), got: %v", err)
		}
		if m != nil {
			t.Error("New() should return nil modem when no dialer provided")
		}
	})

	t.Run("ErrNotInitialized on nil transport", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDialer := modem.NewMockDialer(ctrl)
		mockDialer.EXPECT().Dial(gomock.Any()).Return(nil, nil)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		_, err = modem.New(context.Background(), config)
		if !errors.Is(err, modem.ErrNotInitialized) {
			t.Errorf("expected ErrNotInitialized from New(), got: %v", err)
		}
	})
}

func TestModemClose(t *testing.T) {
	t.Run("Closes underlying transport successfully", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		m := newMockModem(t, ctrl, func(tr *modem.MockTransport) []any {
			return []any{tr.EXPECT().Close().Return(nil)}
		})
		if err := m.Close(); err != nil {
			t.Errorf("unexpected error from Close(): %v", err)
		}
	})

	t.Run("Returns transport error on close failure", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		closeError := errors.New("transport close failed")
		m := newMockModem(t, ctrl, func(tr *modem.MockTransport) []any {
			return []any{tr.EXPECT().Close().Return(closeError)}
		})
		if err := m.Close(); err != closeError {
			t.Errorf("expected transport error, got: %v", err)
		}
	})

	t.Run("ErrAlreadyClosed on double close and further commands", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		m := newMockModem(t, ctrl, func(tr *modem.MockTransport) []any {
			return []any{tr.EXPECT().Close().Return(nil)}
		})
		if err := m.Close(); err != nil {
			t.Errorf("first close should succeed, got error: %v", err)
		}
		if err := m.Close(); err != modem.ErrAlreadyClosed {
			t.Errorf("expected ErrAlreadyClosed on second close, got: %v", err)
		}
		if err := m.SendCommand(context.Background(), at.CmdHTTPInit); !errors.Is(err, modem.ErrAlreadyClosed) {
			t.Errorf("expected ErrAlreadyClosed from SendCommand(), got: %v", err)
		}
	})
}

func TestSendCommand(t *testing.T) {
	tests := []struct {
		name    string
		resp    string
		wantErr []error
	}{
		{name: "OK", resp: "\r\nOK\r\n"},
		{name: "OK with stray prefix", resp: "\r\n\x00OK\r\n"},
		{name: "ERROR", resp: "\r\nERROR\r\n", wantErr: []error{modem.ErrATError}},
		{name: "CME ERROR", resp: "\r\n+CME ERROR: 3\r\n", wantErr: []error{modem.ErrATError}},
		{name: "Unknown status line", resp: "\r\nBUSY\r\n", wantErr: []error{modem.ErrProtocolMismatch}},
		{name: "Missing blank line", resp: "OK\r\n", wantErr: []error{modem.ErrProtocolMismatch, modem.ErrUnexpectedLine}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			m := newMockModem(t, ctrl, func(tr *modem.MockTransport) []any {
				return NewMockSequence(tr).Command(at.CmdHTTPInit, tt.resp).Build()
			})

			err := m.SendCommand(context.Background(), at.CmdHTTPInit)
			if len(tt.wantErr) == 0 && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for _, want := range tt.wantErr {
				if !errors.Is(err, want) {
					t.Errorf("expected %v, got: %v", want, err)
				}
			}
		})
	}

	t.Run("Timeout is a protocol mismatch", func(t *testing.T) {
		s := sim.New()
		s.Override = func(cmd string) (string, bool) { return "", true }
		m := newSimModem(t, s, func(b *modem.ConfigBuilder) {
			b.WithATTimeout(20 * time.Millisecond)
		})

		start := time.Now()
		err := m.SendCommand(context.Background(), at.CmdHTTPInit)
		if !errors.Is(err, modem.ErrProtocolMismatch) {
			t.Errorf("expected ErrProtocolMismatch, got: %v", err)
		}
		if !errors.Is(err, modem.ErrTimeout) {
			t.Errorf("expected ErrTimeout, got: %v", err)
		}
		if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
			t.Errorf("returned after %s, before the timeout", elapsed)
		}
	})
}

func TestQuery(t *testing.T) {
	t.Run("Returns the payload line", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		m := newMockModem(t, ctrl, func(tr *modem.MockTransport) []any {
			return NewMockSequence(tr).Registration(5).Build()
		})

		line, err := m.Query(context.Background(), at.CmdRegistration)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if line != "+CREG: 0,5" {
			t.Errorf("unexpected payload %q", line)
		}
	})

	t.Run("ERROR payload", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		m := newMockModem(t, ctrl, func(tr *modem.MockTransport) []any {
			return NewMockSequence(tr).Error(at.CmdRegistration).Build()
		})

		if _, err := m.Query(context.Background(), at.CmdRegistration); !errors.Is(err, modem.ErrATError) {
			t.Errorf("expected ErrATError, got: %v", err)
		}
	})

	t.Run("Bare OK has no payload", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		m := newMockModem(t, ctrl, func(tr *modem.MockTransport) []any {
			return NewMockSequence(tr).OK(at.CmdRegistration).Build()
		})

		if _, err := m.Query(context.Background(), at.CmdRegistration); !errors.Is(err, modem.ErrProtocolMismatch) {
			t.Errorf("expected ErrProtocolMismatch, got: %v", err)
		}
	})

	t.Run("Payload is kept when the status line is bad", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		m := newMockModem(t, ctrl, func(tr *modem.MockTransport) []any {
			return NewMockSequence(tr).Command(at.CmdRegistration, "\r\n+CREG: 0,1\r\n\r\nBUSY\r\n").Build()
		})

		line, err := m.Query(context.Background(), at.CmdRegistration)
		if !errors.Is(err, modem.ErrProtocolMismatch) {
			t.Errorf("expected ErrProtocolMismatch, got: %v", err)
		}
		if line != "+CREG: 0,1" {
			t.Errorf("unexpected payload %q", line)
		}
	})
}
