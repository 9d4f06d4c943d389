package sched

/*
tilerq — asynchronous retrieval scheduler in Go for map tile services
Copyright (C) 2025  Pepijn van der Stap <tilerq@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"syscall"

	"github.com/x-stp/tilerq/internal/retrieval"
)

// FailureClass routes a completed task's failure to differentiated handling.
// Expected transport noise (timeouts, unreachable hosts) stays at low
// severity; TLS trouble goes to the security listener; everything else is a
// real error worth a loud log line.
type FailureClass int

const (
	ClassNone FailureClass = iota
	ClassCancelled
	ClassInterrupted
	ClassTransport
	ClassSecurity
	ClassPostProcess
	ClassUnexpected
)

func (c FailureClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassCancelled:
		return "cancelled"
	case ClassInterrupted:
		return "interrupted"
	case ClassTransport:
		return "transport"
	case ClassSecurity:
		return "security"
	case ClassPostProcess:
		return "post-process"
	case ClassUnexpected:
		return "unexpected"
	}
	return "unknown"
}

// SecurityListener receives TLS/handshake failures together with the
// identity of the resource whose retrieval triggered them. Optional.
type SecurityListener func(cause error, identity string)

// classify maps err to its failure class. Order matters: cancellation and
// interruption are checked before transport so a cancelled dial doesn't
// read as a host failure, and security before generic net errors because
// TLS failures also satisfy net.Error.
func classify(err error) FailureClass {
	if err == nil {
		return ClassNone
	}

	if errors.Is(err, ErrCancelled) {
		return ClassCancelled
	}
	if errors.Is(err, retrieval.ErrInterrupted) || errors.Is(err, context.Canceled) {
		return ClassInterrupted
	}

	var ppe *retrieval.PostProcessError
	if errors.As(err, &ppe) {
		return ClassPostProcess
	}

	if isSecurityFailure(err) {
		return ClassSecurity
	}

	if isExpectedTransportFailure(err) {
		return ClassTransport
	}

	return ClassUnexpected
}

// isSecurityFailure matches TLS handshake and certificate verification
// failures.
func isSecurityFailure(err error) bool {
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return true
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return true
	}
	var invalidCert x509.CertificateInvalidError
	if errors.As(err, &invalidCert) {
		return true
	}
	return false
}

// isExpectedTransportFailure matches the failure modes a tile client sees
// all day: timeouts, refused connections, dead hosts, bad DNS, and server
// errors. None of them indicate a bug.
func isExpectedTransportFailure(err error) bool {
	if errors.Is(err, ErrHostUnavailable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	// A 5xx is the server's problem, not ours; anything else unexpected.
	var statusErr *retrieval.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= http.StatusInternalServerError
	}

	return false
}
