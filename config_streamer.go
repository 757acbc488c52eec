package couchcore

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/pior/couchcore/mcbp"
)

const streamingPathFormat = "/pools/default/bucketsStreaming/%s"

var (
	docSeparator = []byte("\n\n\n\n")

	errStreamEnded = errors.New("couchcore: config stream ended")
)

// ConfigStreamer keeps one long-lived HTTP subscription to a management node
// and publishes every newer cluster map it reads. When the stream fails it
// moves to the next known node after a bounded exponential delay.
type ConfigStreamer struct {
	seeds      []string
	bucket     string
	creds      Credentials
	useTLS     bool
	path       string
	httpClient *http.Client
	backoff    Backoff
	maps       *mapHolder
	onPublish  func(*ClusterMap)
	logger     *slog.Logger

	cursor     int
	reconnects atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newConfigStreamer(config *Config, maps *mapHolder, onPublish func(*ClusterMap), logger *slog.Logger) *ConfigStreamer {
	path := config.streamPath
	if path == "" {
		path = fmt.Sprintf(streamingPathFormat, url.PathEscape(config.Bucket))
	}
	return &ConfigStreamer{
		seeds:      config.Seeds,
		bucket:     config.Bucket,
		creds:      Credentials{Username: config.Username, Password: config.Password},
		useTLS:     config.TLS != nil,
		path:       path,
		httpClient: config.HTTPClient,
		backoff:    config.StreamBackoff,
		maps:       maps,
		onPublish:  onPublish,
		logger:     logger.With("component", "config-stream"),
	}
}

// Start runs the stream in the background until Close.
func (s *ConfigStreamer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Close cancels the stream and waits for it to stop.
func (s *ConfigStreamer) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Reconnects returns how many times the stream was re-established.
func (s *ConfigStreamer) Reconnects() uint64 {
	return s.reconnects.Load()
}

func (s *ConfigStreamer) run(ctx context.Context) {
	backoffLoop(ctx, s.backoff, func() int {
		target := s.nextCandidate()
		published, err := s.stream(ctx, target)
		if ctx.Err() != nil {
			return -1
		}

		s.reconnects.Add(1)
		s.logger.Warn("couchcore: config stream failed, reconnecting", "endpoint", target, "error", err, "published", published)
		if published > 0 {
			return 1
		}
		return 0
	})
}

// nextCandidate cycles through the management endpoints of the current map,
// or the seeds before the first map.
func (s *ConfigStreamer) nextCandidate() string {
	candidates := s.seeds
	if m := s.maps.Load(); m != nil {
		if eps := m.MgmtEndpoints(s.useTLS); len(eps) > 0 {
			candidates = eps
		}
	}
	target := candidates[s.cursor%len(candidates)]
	s.cursor++
	return target
}

// stream subscribes to endpoint and publishes documents until the stream
// breaks. It returns how many maps it published.
func (s *ConfigStreamer) stream(ctx context.Context, endpoint string) (int, error) {
	scheme := "http"
	if s.useTLS {
		scheme = "https"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scheme+"://"+endpoint+s.path, nil)
	if err != nil {
		return 0, err
	}
	if s.creds.Username != "" || s.creds.Password != "" {
		req.SetBasicAuth(s.creds.Username, s.creds.Password)
	} else if s.bucket != "" {
		req.SetBasicAuth(s.bucket, "")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("couchcore: config stream %s: unexpected status %s", endpoint, resp.Status)
	}

	s.logger.Info("couchcore: subscribed to config stream", "endpoint", endpoint)

	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		host = endpoint
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), mcbp.MaxBodyLength)
	scanner.Split(splitDocuments)

	published := 0
	for scanner.Scan() {
		doc := bytes.TrimSpace(scanner.Bytes())
		if len(doc) == 0 {
			continue
		}
		if s.publish(doc, host) {
			published++
		}
	}
	if err := scanner.Err(); err != nil {
		return published, err
	}
	return published, errStreamEnded
}

// publish parses one document and installs it if it is newer.
func (s *ConfigStreamer) publish(doc []byte, host string) bool {
	m, err := ParseClusterMap(doc, host, s.useTLS)
	if err != nil {
		s.logger.Warn("couchcore: ignoring invalid cluster config", "error", err)
		return false
	}
	if !s.maps.Publish(m) {
		s.logger.Debug("couchcore: ignoring stale cluster config", "rev", m.Revision)
		return false
	}
	s.logger.Info("couchcore: cluster map published", "rev", m.Revision, "nodes", len(m.ServerList), "vbuckets", m.NumVBuckets())
	if s.onPublish != nil {
		s.onPublish(m)
	}
	return true
}

// splitDocuments is a bufio.SplitFunc cutting the stream on four newlines.
func splitDocuments(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.Index(data, docSeparator); i >= 0 {
		return i + len(docSeparator), data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
