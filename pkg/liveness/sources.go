package liveness

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// FileRecordSource reads records from <Dir>/<target>.pid. The file holds the
// process id, optionally followed by whitespace and the command name.
type FileRecordSource struct {
	Dir string
}

// Lookup implements RecordSource.
func (s FileRecordSource) Lookup(_ context.Context, target string) (Record, error) {
	if strings.ContainsAny(target, `/\`) || target == "" || target == "." || target == ".." {
		return Record{}, fmt.Errorf("invalid target name %q", target)
	}
	path := filepath.Join(s.Dir, target+".pid")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, fmt.Errorf("%w: %s", ErrNoRecord, path)
		}
		return Record{}, fmt.Errorf("read %s: %w", path, err)
	}
	return parseRecord(string(data))
}

func parseRecord(s string) (Record, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Record{}, fmt.Errorf("%w: empty record", ErrNoRecord)
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil || pid <= 0 {
		return Record{}, fmt.Errorf("malformed pid %q", fields[0])
	}
	rec := Record{PID: pid}
	if len(fields) > 1 {
		rec.Command = fields[1]
	}
	return rec, nil
}

// RedisRecordSource reads records from the hash relgate:liveness:<target>,
// fields "pid" and optional "command".
type RedisRecordSource struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRecordSource creates a source backed by client.
func NewRedisRecordSource(client redis.UniversalClient) *RedisRecordSource {
	return &RedisRecordSource{client: client, prefix: "relgate:liveness:"}
}

// NewRedisRecordSourceFromURL connects using a redis:// URL.
func NewRedisRecordSourceFromURL(url string) (*RedisRecordSource, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisRecordSource(redis.NewClient(opts)), nil
}

// Lookup implements RecordSource.
func (s *RedisRecordSource) Lookup(ctx context.Context, target string) (Record, error) {
	key := s.prefix + target
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Record{}, fmt.Errorf("redis liveness lookup %s: %w", key, err)
	}
	raw, ok := vals["pid"]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNoRecord, key)
	}
	rec, err := parseRecord(raw)
	if err != nil {
		return Record{}, err
	}
	rec.Command = vals["command"]
	return rec, nil
}

// Close releases the underlying client.
func (s *RedisRecordSource) Close() error {
	return s.client.Close()
}

// HTTPProber issues GET requests against health endpoints.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates a prober whose requests are bounded by timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{client: &http.Client{
		Timeout: timeout,
		// A redirect is not the designated success status.
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}}
}

// Probe implements EndpointProber.
func (p *HTTPProber) Probe(ctx context.Context, url string, want int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return fmt.Errorf("GET %s: status %d, want %d", url, resp.StatusCode, want)
	}
	return nil
}
