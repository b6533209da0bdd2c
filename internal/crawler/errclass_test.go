package crawler

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifySourceError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want SourceStatus
	}{
		{"Nil", nil, SourceStatusOK},
		{"UnknownAuthority", x509.UnknownAuthorityError{}, SourceStatusErrorSSL},
		{"WrappedCertMessage", fmt.Errorf("fetch: %w", errors.New("x509: certificate signed by unknown authority")), SourceStatusErrorSSL},
		{"NetTimeout", timeoutErr{}, SourceStatusErrorNetwork},
		{"DNS", &net.DNSError{Err: "no such host", Name: "ris.invalid"}, SourceStatusErrorNetwork},
		{"DeadlineExceeded", context.DeadlineExceeded, SourceStatusErrorNetwork},
		{"ConnectionRefusedMessage", errors.New("dial tcp 127.0.0.1:443: connect: connection refused"), SourceStatusErrorNetwork},
		{"Other", errors.New("unexpected page layout"), SourceStatusErrorOther},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, ClassifySourceError(tc.err))
		})
	}
}
