// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package outbound is the single path by which diagnostic data leaves the
// process. Every destination is validated against SSRF targets and every
// payload is sanitized before a request is attempted.
package outbound

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianDoctor/services/doctor/config"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/sanitize"
)

// MaxBodyBytes caps request bodies passing through Do.
const MaxBodyBytes = 8 << 20

var ssrfRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "doctor_outbound_ssrf_rejected_total",
	Help: "Outbound destinations refused by the funnel, by reason.",
}, []string{"reason"})

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Options configures a Funnel.
type Options struct {
	Outbound config.OutboundConfig

	// Privacy is the configured privacy mode ("none", "basic", "strict").
	Privacy string

	// Resolver defaults to net.DefaultResolver.
	Resolver Resolver

	// Timeout bounds a whole request. Zero means no client timeout; callers
	// bound requests through their context.
	Timeout time.Duration

	Logger *slog.Logger
}

// Destination is a validated outbound target.
type Destination struct {
	URL   *url.URL
	Host  string
	Port  int
	Addrs []netip.Addr

	// Local is set for verified local endpoints.
	Local bool
}

// Prepared is a validated destination with its sanitized body.
type Prepared struct {
	Destination *Destination
	Level       sanitize.Level
	Body        []byte
}

// Funnel validates destinations and sanitizes payloads.
//
// Thread Safety: safe for concurrent use.
type Funnel struct {
	level      sanitize.Level
	resolver   Resolver
	trusted    map[string]bool
	denied     map[int]bool
	client     *http.Client
	dial       func(ctx context.Context, network, addr string) (net.Conn, error)
	rejections atomic.Int64
	logger     *slog.Logger
}

type localKey struct{}

// New creates a Funnel.
func New(opts Options) (*Funnel, error) {
	level, err := sanitize.ParseLevel(opts.Privacy)
	if err != nil {
		return nil, err
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialTimeout := opts.Outbound.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}

	f := &Funnel{
		level:    level,
		resolver: resolver,
		trusted:  make(map[string]bool, len(opts.Outbound.TrustedLocalEndpoints)),
		denied:   make(map[int]bool, len(opts.Outbound.DeniedPorts)),
		logger:   logger.With(slog.String("component", "outbound")),
	}
	for _, ep := range opts.Outbound.TrustedLocalEndpoints {
		host, port, err := net.SplitHostPort(ep)
		if err != nil {
			return nil, fmt.Errorf("trusted local endpoint %q: %w", ep, err)
		}
		f.trusted[endpointKey(host, port)] = true
	}
	for _, p := range opts.Outbound.DeniedPorts {
		f.denied[p] = true
	}

	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	f.dial = dialer.DialContext
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           f.dialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	f.client = &http.Client{
		Transport:     transport,
		Timeout:       opts.Timeout,
		CheckRedirect: f.checkRedirect,
	}
	return f, nil
}

// Rejections returns the number of destinations refused by this funnel.
func (f *Funnel) Rejections() int64 {
	return f.rejections.Load()
}

// Level returns the configured privacy level.
func (f *Funnel) Level() sanitize.Level {
	return f.level
}

// Check validates rawURL as an outbound destination.
//
// # Description
//
// Parses the URL structurally, requires http or https without userinfo,
// requires a numeric port in 1-65535 that is not denied, refuses cloud
// metadata names and non-canonical numeric hosts, then resolves the host.
// Every resolved address must be outside the blocked ranges unless the
// host:port is a configured trusted local endpoint whose addresses are all
// loopback.
//
// # Outputs
//
//   - *Destination: the validated target.
//   - error: *SsrfRejectedError wrapping ErrSsrfRejected.
//
// # Thread Safety
//
// Safe for concurrent use.
func (f *Funnel) Check(ctx context.Context, rawURL string) (*Destination, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, f.reject("", ReasonInvalidURL, err.Error())
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case u.Scheme != "http" && u.Scheme != "https":
		return nil, f.reject(host, ReasonScheme, u.Scheme)
	case u.User != nil:
		return nil, f.reject(host, ReasonUserinfo, "")
	case host == "":
		return nil, f.reject(host, ReasonInvalidURL, "missing host")
	case strings.Contains(host, "%"):
		return nil, f.reject(host, ReasonInvalidURL, "zoned address")
	}

	portStr := u.Port()
	if portStr == "" {
		portStr = "80"
		if u.Scheme == "https" {
			portStr = "443"
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, f.reject(host, ReasonPort, portStr)
	}
	if f.denied[port] {
		return nil, f.reject(host, ReasonDeniedPort, portStr)
	}
	if isMetadataHost(host) {
		return nil, f.reject(host, ReasonMetadataHost, "")
	}
	if ambiguousIP(host) {
		return nil, f.reject(host, ReasonAmbiguousIP, "")
	}

	addrs, err := f.resolve(ctx, host)
	if err != nil {
		return nil, f.reject(host, ReasonResolve, err.Error())
	}
	dest := &Destination{URL: u, Host: host, Port: port, Addrs: addrs}
	if f.trusted[endpointKey(host, portStr)] && allLoopback(addrs) {
		dest.Local = true
		return dest, nil
	}
	for _, a := range addrs {
		if Blocked(a) {
			return nil, f.reject(host, ReasonBlockedAddr, a.String())
		}
	}
	return dest, nil
}

// LevelFor returns the sanitization level for dest. Only verified local
// endpoints may receive data at the configured level when it is below
// basic.
func (f *Funnel) LevelFor(dest *Destination) sanitize.Level {
	if dest != nil && dest.Local {
		return f.level
	}
	return sanitize.Max(f.level, sanitize.LevelBasic)
}

// Prepare validates rawURL and returns payload as sanitized JSON.
func (f *Funnel) Prepare(ctx context.Context, payload any, rawURL string) (*Prepared, error) {
	dest, err := f.Check(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	level := f.LevelFor(dest)
	body, err := SanitizeJSON(payload, level)
	if err != nil {
		return nil, err
	}
	return &Prepared{Destination: dest, Level: level, Body: body}, nil
}

// Do sends req through the funnel. It is the only network path for
// provider traffic and satisfies the HTTPDoer interface of go-openai.
//
// The URL is validated, the body is sanitized for the destination, and the
// request is sent by a client that dials only re-validated addresses and
// never follows redirects: a 3xx response is returned to the caller as is.
func (f *Funnel) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	dest, err := f.Check(ctx, req.URL.String())
	if err != nil {
		return nil, err
	}

	if req.Body != nil && req.Body != http.NoBody {
		raw, err := io.ReadAll(io.LimitReader(req.Body, MaxBodyBytes+1))
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read outbound body: %w", err)
		}
		if len(raw) > MaxBodyBytes {
			return nil, ErrBodyTooLarge
		}
		body, err := sanitizeBody(raw, f.LevelFor(dest))
		if err != nil {
			return nil, err
		}
		req = req.Clone(ctx)
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		req.ContentLength = int64(len(body))
	}

	req = req.WithContext(context.WithValue(ctx, localKey{}, dest.Local))
	return f.client.Do(req)
}

// dialContext resolves addr again and dials a validated address directly,
// so a host that re-resolves to a blocked range between Check and the
// connection is refused.
func (f *Funnel) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	addrs, err := f.resolve(ctx, host)
	if err != nil {
		return nil, f.reject(host, ReasonResolve, err.Error())
	}
	local, _ := ctx.Value(localKey{}).(bool)
	if local && !allLoopback(addrs) {
		return nil, f.reject(host, ReasonBlockedAddr, "local endpoint no longer loopback")
	}
	var lastErr error
	for _, a := range addrs {
		if !local && Blocked(a) {
			return nil, f.reject(host, ReasonBlockedAddr, a.String())
		}
		conn, err := f.dial(ctx, network, net.JoinHostPort(a.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (f *Funnel) checkRedirect(req *http.Request, _ []*http.Request) error {
	if _, err := f.Check(req.Context(), req.URL.String()); err != nil {
		f.logger.Warn("redirect to rejected destination", slog.String("host", req.URL.Hostname()))
	}
	return http.ErrUseLastResponse
}

func (f *Funnel) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if a, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{a.Unmap()}, nil
	}
	addrs, err := f.resolver.LookupNetIP(ctx, "ip", strings.ToLower(host))
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	out := make([]netip.Addr, len(addrs))
	for i, a := range addrs {
		out[i] = a.Unmap()
	}
	return out, nil
}

func (f *Funnel) reject(host, reason, detail string) error {
	f.rejections.Add(1)
	ssrfRejected.WithLabelValues(reason).Inc()
	f.logger.Warn("outbound destination rejected",
		slog.String("host", host),
		slog.String("reason", reason))
	return &SsrfRejectedError{Host: host, Reason: reason, Detail: detail}
}

func allLoopback(addrs []netip.Addr) bool {
	if len(addrs) == 0 {
		return false
	}
	for _, a := range addrs {
		if !a.IsLoopback() {
			return false
		}
	}
	return true
}

func endpointKey(host, port string) string {
	return strings.ToLower(strings.Trim(host, "[]")) + ":" + port
}
