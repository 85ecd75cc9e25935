package modem_test

import (
	"fmt"

	"github.com/ubipo/water-well-level/modem"
	gomock "go.uber.org/mock/gomock"
)

type MockSequenceBuilder struct {
	transport *modem.MockTransport
	calls     []any
}

func NewMockSequence(transport *modem.MockTransport) *MockSequenceBuilder {
	return &MockSequenceBuilder{
		transport: transport,
		calls:     []any{},
	}
}

// Command expects cmd to be written and answers it with resp in one read.
func (b *MockSequenceBuilder) Command(cmd, resp string) *MockSequenceBuilder {
	line := []byte(cmd + "\r\n")
	b.calls = append(b.calls,
		b.transport.EXPECT().Write(line).Return(len(line), nil),
		b.transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			return copy(p, resp), nil
		}),
	)
	return b
}

func (b *MockSequenceBuilder) OK(cmd string) *MockSequenceBuilder {
	return b.Command(cmd, "\r\nOK\r\n")
}

func (b *MockSequenceBuilder) Error(cmd string) *MockSequenceBuilder {
	return b.Command(cmd, "\r\nERROR\r\n")
}

func (b *MockSequenceBuilder) Registration(stat int) *MockSequenceBuilder {
	return b.Command("AT+CREG?", fmt.Sprintf("\r\n+CREG: 0,%d\r\n\r\nOK\r\n", stat))
}

func (b *MockSequenceBuilder) Build() []any {
	return b.calls
}
