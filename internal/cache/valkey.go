package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ValkeyConfig holds connection parameters for a Valkey/Redis-compatible server.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	TLS          bool
}

// ValkeyProvider implements Provider over a single persistent connection,
// serialised by a mutex and redialled on error. The engine's cache traffic is
// low-rate lock and snapshot operations, so one connection suffices.
type ValkeyProvider struct {
	cfg ValkeyConfig

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

// NewValkeyProvider connects and pings the target so misconfiguration fails fast.
func NewValkeyProvider(cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}

	p := &ValkeyProvider{cfg: cfg}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if _, err := p.do(ctx, "PING"); err != nil {
		return nil, err
	}
	return p, nil
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	reply, err := p.do(ctx, "GET", []byte(key))
	if err != nil {
		return nil, err
	}
	if reply.isNil {
		return nil, ErrCacheMiss
	}
	return reply.data, nil
}

// Set stores bytes with the provided TTL.
func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	args := setArgs(key, value, ttl, false)
	reply, err := p.do(ctx, "SET", args...)
	if err != nil {
		return err
	}
	if string(reply.data) != "OK" {
		return fmt.Errorf("unexpected SET response: %s", reply.data)
	}
	return nil
}

// SetNX stores the value only if the key does not exist. The boolean result
// reports whether this caller won the key.
func (p *ValkeyProvider) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	args := setArgs(key, value, ttl, true)
	reply, err := p.do(ctx, "SET", args...)
	if err != nil {
		return false, err
	}
	return !reply.isNil, nil
}

// Del removes a key from the cache.
func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	_, err := p.do(ctx, "DEL", []byte(key))
	return err
}

// Close tears down the connection.
func (p *ValkeyProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}

func setArgs(key string, value []byte, ttl time.Duration, nx bool) [][]byte {
	args := [][]byte{[]byte(key), value}
	if ttl > 0 {
		ms := strconv.FormatInt(ttl.Milliseconds(), 10)
		args = append(args, []byte("PX"), []byte(ms))
	}
	if nx {
		args = append(args, []byte("NX"))
	}
	return args
}

type reply struct {
	data  []byte
	isNil bool
}

// do runs one command with retry on transient network errors.
func (p *ValkeyProvider) do(ctx context.Context, command string, args ...[]byte) (reply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return reply{}, ctx.Err()
		}
		if p.conn == nil {
			if err := p.connect(ctx); err != nil {
				lastErr = err
				if retryable(err) {
					continue
				}
				return reply{}, err
			}
		}

		r, err := p.roundTrip(command, args...)
		if err == nil {
			return r, nil
		}
		lastErr = err
		p.dropConn()
		if !retryable(err) {
			return reply{}, err
		}
		time.Sleep(time.Duration(1<<attempt) * 25 * time.Millisecond)
	}
	return reply{}, lastErr
}

func (p *ValkeyProvider) connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: p.cfg.DialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if p.cfg.TLS {
		host := p.cfg.Addr
		if h, _, splitErr := net.SplitHostPort(p.cfg.Addr); splitErr == nil {
			host = h
		}
		conn, err = tls.DialWithDialer(&dialer, "tcp", p.cfg.Addr, &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	if err != nil {
		return err
	}
	p.conn = conn
	p.reader = bufio.NewReader(conn)
	p.writer = bufio.NewWriter(conn)

	if p.cfg.Password != "" {
		authArgs := [][]byte{[]byte(p.cfg.Password)}
		if p.cfg.Username != "" {
			authArgs = [][]byte{[]byte(p.cfg.Username), []byte(p.cfg.Password)}
		}
		if _, err := p.roundTrip("AUTH", authArgs...); err != nil {
			p.dropConn()
			return fmt.Errorf("auth failed: %w", err)
		}
	}
	if p.cfg.DB > 0 {
		if _, err := p.roundTrip("SELECT", []byte(strconv.Itoa(p.cfg.DB))); err != nil {
			p.dropConn()
			return fmt.Errorf("select db: %w", err)
		}
	}
	return nil
}

func (p *ValkeyProvider) dropConn() {
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn = nil
	p.reader = nil
	p.writer = nil
}

func (p *ValkeyProvider) roundTrip(command string, args ...[]byte) (reply, error) {
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout)); err != nil {
		return reply{}, err
	}
	if _, err := fmt.Fprintf(p.writer, "*%d\r\n", len(args)+1); err != nil {
		return reply{}, err
	}
	if err := p.writeBulk([]byte(command)); err != nil {
		return reply{}, err
	}
	for _, arg := range args {
		if err := p.writeBulk(arg); err != nil {
			return reply{}, err
		}
	}
	if err := p.writer.Flush(); err != nil {
		return reply{}, err
	}

	if err := p.conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout)); err != nil {
		return reply{}, err
	}
	return p.readReply()
}

func (p *ValkeyProvider) writeBulk(b []byte) error {
	if _, err := fmt.Fprintf(p.writer, "$%d\r\n", len(b)); err != nil {
		return err
	}
	if _, err := p.writer.Write(b); err != nil {
		return err
	}
	_, err := p.writer.WriteString("\r\n")
	return err
}

func (p *ValkeyProvider) readReply() (reply, error) {
	prefix, err := p.reader.ReadByte()
	if err != nil {
		return reply{}, err
	}
	line, err := p.readLine()
	if err != nil {
		return reply{}, err
	}
	switch prefix {
	case '+', ':':
		return reply{data: line}, nil
	case '-':
		return reply{}, errors.New(string(line))
	case '$':
		size, err := strconv.Atoi(string(line))
		if err != nil {
			return reply{}, err
		}
		if size < 0 {
			return reply{isNil: true}, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(p.reader, buf); err != nil {
			return reply{}, err
		}
		return reply{data: buf[:size]}, nil
	default:
		return reply{}, fmt.Errorf("unexpected RESP prefix %q", prefix)
	}
}

func (p *ValkeyProvider) readLine() ([]byte, error) {
	line, err := p.reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return []byte(line), nil
}

func retryable(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
