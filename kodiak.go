// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package kodiak implements a distributed, reliable job queue backed by
// Redis: producers add jobs to a queue, workers pull and execute them with
// exactly-one-active-owner guarantees, retries, delay scheduling, priority
// ordering, optional rate limiting, recurring scheduling, progress
// reporting and crash recovery.
package kodiak

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xalsie/kodiak/internal/base"
)

// Job is the client-facing representation of a unit of work: the payload a
// producer submitted plus the lifecycle metadata a worker or inspector can
// read back.
type Job struct {
	ID          string
	Queue       string
	Data        []byte
	Priority    int64
	RetryCount  int64
	MaxAttempts int64
	AddedAt     time.Time
	StartedAt   time.Time
	LastError   string
	Progress    int64

	pw *progressWriter
}

// newJobFromEntity wraps an internal base.Job for delivery to a Handler.
func newJobFromEntity(e *base.Job, pw *progressWriter) *Job {
	return &Job{
		ID:          e.ID,
		Queue:       e.Queue,
		Data:        e.Data,
		Priority:    e.Priority,
		RetryCount:  e.RetryCount,
		MaxAttempts: e.MaxAttempts,
		AddedAt:     e.AddedAt,
		StartedAt:   e.StartedAt,
		LastError:   e.LastError,
		Progress:    e.Progress,
		pw:          pw,
	}
}

// UpdateProgress reports a job's completion progress back to the store. It
// is a best-effort call: an error here does not fail the job.
func (j *Job) UpdateProgress(progress int64) error {
	if j.pw == nil {
		return fmt.Errorf("kodiak: job %s has no attached progress writer", j.ID)
	}
	return j.pw.write(progress)
}

// Handler processes a Job pulled off a queue. Returning a non-nil error
// marks the attempt as failed and hands it to the Retry Resolver;
// returning nil marks the job completed.
type Handler interface {
	ProcessJob(ctx context.Context, job *Job) error
}

// HandlerFunc is an adapter allowing ordinary functions to act as Handlers.
type HandlerFunc func(ctx context.Context, job *Job) error

// ProcessJob calls fn(ctx, job).
func (fn HandlerFunc) ProcessJob(ctx context.Context, job *Job) error {
	return fn(ctx, job)
}

// RedisConnOpt is a discriminated union of types that represent Redis
// connection configuration options: RedisClientOpt, RedisFailoverClientOpt,
// or RedisClusterClientOpt.
type RedisConnOpt interface {
	// MakeRedisClient returns a new redis client instance. The return value
	// is intentionally opaque to hide the underlying client type.
	MakeRedisClient() interface{}
}

// RedisClientOpt is used to create a redis client that connects to a redis
// server directly.
type RedisClientOpt struct {
	// Network type to use, either tcp or unix. Default is tcp.
	Network string

	// Redis server address in "host:port" format.
	Addr string

	// Username to authenticate the current connection when Redis ACLs are used.
	Username string

	// Password to authenticate the current connection.
	Password string

	// Redis DB to select after connecting to a server.
	DB int

	// Dial timeout for establishing new connections. Default is 5 seconds.
	DialTimeout time.Duration

	// Timeout for socket reads. Use -1 for no timeout, 0 for default (3s).
	ReadTimeout time.Duration

	// Timeout for socket writes. Use -1 for no timeout, 0 for default (ReadTimeout).
	WriteTimeout time.Duration

	// Maximum number of socket connections. Default is 10 per CPU.
	PoolSize int

	// TLS Config used to connect to a server. TLS is negotiated only if set.
	TLSConfig *tls.Config
}

func (opt RedisClientOpt) MakeRedisClient() interface{} {
	return redis.NewClient(&redis.Options{
		Network:      opt.Network,
		Addr:         opt.Addr,
		Username:     opt.Username,
		Password:     opt.Password,
		DB:           opt.DB,
		DialTimeout:  opt.DialTimeout,
		ReadTimeout:  opt.ReadTimeout,
		WriteTimeout: opt.WriteTimeout,
		PoolSize:     opt.PoolSize,
		TLSConfig:    opt.TLSConfig,
	})
}

// RedisFailoverClientOpt is used to create a redis client that talks to
// redis sentinels for service discovery and automatic failover.
type RedisFailoverClientOpt struct {
	// Redis master name monitored by sentinels.
	MasterName string

	// Addresses of sentinels in "host:port" format. Use at least three to
	// avoid the split-brain problems described in the Sentinel docs.
	SentinelAddrs []string

	// Redis sentinel password.
	SentinelPassword string

	// Username to authenticate the current connection when Redis ACLs are used.
	Username string

	// Password to authenticate the current connection.
	Password string

	// Redis DB to select after connecting to a server.
	DB int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLSConfig    *tls.Config
}

func (opt RedisFailoverClientOpt) MakeRedisClient() interface{} {
	return redis.NewFailoverClient(&redis.FailoverOptions{
		MasterName:       opt.MasterName,
		SentinelAddrs:    opt.SentinelAddrs,
		SentinelPassword: opt.SentinelPassword,
		Username:         opt.Username,
		Password:         opt.Password,
		DB:               opt.DB,
		DialTimeout:      opt.DialTimeout,
		ReadTimeout:      opt.ReadTimeout,
		WriteTimeout:     opt.WriteTimeout,
		PoolSize:         opt.PoolSize,
		TLSConfig:        opt.TLSConfig,
	})
}

// RedisClusterClientOpt is used to create a redis client that connects to a
// redis cluster.
type RedisClusterClientOpt struct {
	// A seed list of host:port addresses of cluster nodes.
	Addrs []string

	// The maximum number of retries before giving up. Default is 8.
	MaxRedirects int

	Username string
	Password string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	TLSConfig    *tls.Config
}

func (opt RedisClusterClientOpt) MakeRedisClient() interface{} {
	return redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:        opt.Addrs,
		MaxRedirects: opt.MaxRedirects,
		Username:     opt.Username,
		Password:     opt.Password,
		DialTimeout:  opt.DialTimeout,
		ReadTimeout:  opt.ReadTimeout,
		WriteTimeout: opt.WriteTimeout,
		TLSConfig:    opt.TLSConfig,
	})
}

// ParseRedisURI parses a redis uri string and returns a RedisConnOpt, or a
// non-nil error if the uri cannot be parsed.
//
// Supported schemes: redis:, rediss:, redis-socket:, redis-sentinel:.
//
//	redis://[:password@]host[:port][/dbnumber]
//	rediss://[:password@]host[:port][/dbnumber]
//	redis-socket://[:password@]path[?db=dbnumber]
//	redis-sentinel://[:password@]host1[:port][,host2[:port]][?master=masterName]
func ParseRedisURI(uri string) (RedisConnOpt, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("kodiak: could not parse redis uri: %v", err)
	}
	switch u.Scheme {
	case "redis", "rediss":
		return parseRedisURI(u)
	case "redis-socket":
		return parseRedisSocketURI(u)
	case "redis-sentinel":
		return parseRedisSentinelURI(u)
	default:
		return nil, fmt.Errorf("kodiak: unsupported uri scheme: %q", u.Scheme)
	}
}

func parseRedisURI(u *url.URL) (RedisConnOpt, error) {
	var db int
	var err error
	var opt RedisClientOpt

	if len(u.Path) > 0 {
		xs := strings.Split(strings.Trim(u.Path, "/"), "/")
		db, err = strconv.Atoi(xs[0])
		if err != nil {
			return nil, fmt.Errorf("kodiak: could not parse redis uri: database number should be the first segment of the path")
		}
	}
	var password string
	if v, ok := u.User.Password(); ok {
		password = v
	}
	if u.Scheme == "rediss" {
		h, _, err := net.SplitHostPort(u.Host)
		if err != nil {
			h = u.Host
		}
		opt.TLSConfig = &tls.Config{ServerName: h}
	}
	opt.Addr = u.Host
	opt.Password = password
	opt.DB = db
	return opt, nil
}

func parseRedisSocketURI(u *url.URL) (RedisConnOpt, error) {
	const errPrefix = "kodiak: could not parse redis socket uri"
	if len(u.Path) == 0 {
		return nil, fmt.Errorf("%s: path does not exist", errPrefix)
	}
	q := u.Query()
	var db int
	var err error
	if n := q.Get("db"); n != "" {
		db, err = strconv.Atoi(n)
		if err != nil {
			return nil, fmt.Errorf("%s: query param `db` should be a number", errPrefix)
		}
	}
	var password string
	if v, ok := u.User.Password(); ok {
		password = v
	}
	return RedisClientOpt{Network: "unix", Addr: u.Path, DB: db, Password: password}, nil
}

func parseRedisSentinelURI(u *url.URL) (RedisConnOpt, error) {
	addrs := strings.Split(u.Host, ",")
	master := u.Query().Get("master")
	var password string
	if v, ok := u.User.Password(); ok {
		password = v
	}
	return RedisFailoverClientOpt{MasterName: master, SentinelAddrs: addrs, Password: password}, nil
}

func makeRedisClient(r RedisConnOpt) redis.UniversalClient {
	c, ok := r.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		panic(fmt.Sprintf("kodiak: unsupported RedisConnOpt type %T", r))
	}
	return c
}
