package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// ErrorKind is the failover class of an RPC error.
type ErrorKind int

const (
	// KindFatal errors are returned to the caller without retry.
	KindFatal ErrorKind = iota
	// KindTransient covers network failures, timeouts and 5xx responses.
	KindTransient
	// KindRateLimited is an HTTP 429 or an explicit rate limit message.
	KindRateLimited
	// KindForbidden is an HTTP 403, which public nodes return for heights they do not serve.
	KindForbidden
	// KindPruned means the node no longer retains the requested height.
	KindPruned
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindForbidden:
		return "forbidden"
	case KindPruned:
		return "pruned"
	default:
		return "fatal"
	}
}

var (
	ErrRateLimited      = errors.New("rate limited")
	ErrForbidden        = errors.New("forbidden")
	ErrPrunedHeight     = errors.New("height pruned by node")
	ErrTransientNetwork = errors.New("transient network error")
)

var kindSentinels = map[ErrorKind]error{
	KindRateLimited: ErrRateLimited,
	KindForbidden:   ErrForbidden,
	KindPruned:      ErrPrunedHeight,
	KindTransient:   ErrTransientNetwork,
}

// ClassifiedError is an RPC error annotated with its failover class.
type ClassifiedError struct {
	Kind     ErrorKind
	Endpoint string
	Method   string

	// LowestHeight is the lowest height the node retains, when it reported one.
	LowestHeight uint64

	Err error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", e.Endpoint, e.Method, e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the sentinel of the error's kind.
func (e *ClassifiedError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

var lowestHeightRe = regexp.MustCompile(`is not available, lowest height is (\d+)`)

// Classify determines the failover class of err. For pruned errors it also returns the
// lowest height the node reported, or zero.
func Classify(err error) (ErrorKind, uint64) {
	if err == nil {
		return KindFatal, 0
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Kind, classified.LowestHeight
	}

	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return KindRateLimited, 0
		case httpErr.StatusCode == http.StatusForbidden:
			return KindForbidden, 0
		case httpErr.StatusCode >= http.StatusInternalServerError:
			if kind, lowest := classifyMessage(string(httpErr.Body)); kind == KindPruned {
				return kind, lowest
			}
			return KindTransient, 0
		}
	}

	msg := err.Error()
	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
		msg = fmt.Sprintf("%s: %v", msg, dataErr.ErrorData())
	}

	if kind, lowest := classifyMessage(msg); kind != KindFatal {
		return kind, lowest
	}

	if errors.Is(err, context.Canceled) {
		return KindFatal, 0
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return KindTransient, 0
	}

	return KindFatal, 0
}

func classifyMessage(msg string) (ErrorKind, uint64) {
	if m := lowestHeightRe.FindStringSubmatch(msg); m != nil {
		lowest, _ := strconv.ParseUint(m[1], 10, 64)
		return KindPruned, lowest
	}

	errStr := strings.ToLower(msg)

	if strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "rate limit") {
		return KindRateLimited, 0
	}

	if strings.Contains(errStr, "403 forbidden") {
		return KindForbidden, 0
	}

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout") {
		return KindTransient, 0
	}

	return KindFatal, 0
}

// classify wraps err into a ClassifiedError for the given endpoint and method.
func classify(endpoint, method string, err error) error {
	if err == nil {
		return nil
	}

	kind, lowest := Classify(err)
	return &ClassifiedError{
		Kind:         kind,
		Endpoint:     endpoint,
		Method:       method,
		LowestHeight: lowest,
		Err:          err,
	}
}
