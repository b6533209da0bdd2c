package crawler

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strings"
)

// ClassifySourceError maps a fetch or adapter error onto the audit status
// recorded for the source. The mapping is deliberately coarse: the statuses
// feed municipality summaries and dashboards, not retry decisions.
func ClassifySourceError(err error) SourceStatus {
	if err == nil {
		return SourceStatusOK
	}

	var (
		certVerify *tls.CertificateVerificationError
		recordHdr  tls.RecordHeaderError
		unknownCA  x509.UnknownAuthorityError
		hostname   x509.HostnameError
		certErr    x509.CertificateInvalidError
	)
	if errors.As(err, &certVerify) || errors.As(err, &recordHdr) ||
		errors.As(err, &unknownCA) || errors.As(err, &hostname) || errors.As(err, &certErr) {
		return SourceStatusErrorSSL
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return SourceStatusErrorNetwork
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return SourceStatusErrorNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return SourceStatusErrorNetwork
	}

	// Wrapped errors from colly and the stdlib do not always survive
	// errors.As across process boundaries, so fall back to message sniffing.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "x509:"), strings.Contains(msg, "tls:"),
		strings.Contains(msg, "certificate"), strings.Contains(msg, "ssl"):
		return SourceStatusErrorSSL
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"), strings.Contains(msg, "timeout"),
		strings.Contains(msg, "unexpected eof"), strings.Contains(msg, "broken pipe"):
		return SourceStatusErrorNetwork
	default:
		return SourceStatusErrorOther
	}
}
