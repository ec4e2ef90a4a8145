// Package proxyclient talks to the data-plane proxies over their RESP
// control surface. The coordinator only ever issues three commands: a PING
// liveness probe, KVCTL SETMETA to push a topology record and KVCTL INFOMIG
// to list the committable migration tasks a proxy reports.
package proxyclient

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kv-sharding/kvcoord/pkg/models/coorderror"
	"github.com/kv-sharding/kvcoord/pkg/models/topology"
)

// Client is the control-plane view of the data-plane proxies.
type Client interface {
	Ping(ctx context.Context, address string) error
	SetHostMeta(ctx context.Context, host *topology.Host) error
	ListMigrations(ctx context.Context, address string) ([]*topology.MigrationTaskMeta, error)
	Close() error
}

// Pool keeps one RESP client per proxy address. Clients are created lazily
// and reused across passes.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*redis.Client

	dialTimeout time.Duration
	ioTimeout   time.Duration
}

var _ Client = &Pool{}

func NewPool(dialTimeout, ioTimeout time.Duration) *Pool {
	return &Pool{
		clients:     map[string]*redis.Client{},
		dialTimeout: dialTimeout,
		ioTimeout:   ioTimeout,
	}
}

func (p *Pool) client(address string) *redis.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cli, ok := p.clients[address]; ok {
		return cli
	}
	cli := redis.NewClient(&redis.Options{
		Addr:         address,
		DialTimeout:  p.dialTimeout,
		ReadTimeout:  p.ioTimeout,
		WriteTimeout: p.ioTimeout,
	})
	p.clients[address] = cli
	return cli
}

func (p *Pool) Ping(ctx context.Context, address string) error {
	if err := p.client(address).Ping(ctx).Err(); err != nil {
		return coorderror.Wrap(coorderror.KVCOORD_PROXY_CLIENT, err)
	}
	return nil
}

func (p *Pool) SetHostMeta(ctx context.Context, host *topology.Host) error {
	payload, err := json.Marshal(host)
	if err != nil {
		return coorderror.Wrap(coorderror.KVCOORD_UNEXPECTED, err)
	}

	epoch := strconv.FormatUint(host.Epoch, 10)
	res, err := p.client(host.Address).Do(ctx, "KVCTL", "SETMETA", epoch, string(payload)).Result()
	if err != nil {
		return coorderror.Wrap(coorderror.KVCOORD_PROXY_CLIENT, err)
	}
	if reply, ok := res.(string); !ok || reply != "OK" {
		return coorderror.Newf(coorderror.KVCOORD_INVALID_REPLY,
			"unexpected SETMETA reply from %s: %v", host.Address, res)
	}
	return nil
}

func (p *Pool) ListMigrations(ctx context.Context, address string) ([]*topology.MigrationTaskMeta, error) {
	res, err := p.client(address).Do(ctx, "KVCTL", "INFOMIG").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, coorderror.Wrap(coorderror.KVCOORD_PROXY_CLIENT, err)
	}

	items, ok := res.([]interface{})
	if !ok {
		return nil, coorderror.Newf(coorderror.KVCOORD_INVALID_REPLY,
			"unexpected INFOMIG reply from %s: %v", address, res)
	}

	tasks := make([]*topology.MigrationTaskMeta, 0, len(items))
	for _, item := range items {
		blob, ok := item.(string)
		if !ok {
			return nil, coorderror.Newf(coorderror.KVCOORD_INVALID_REPLY,
				"unexpected INFOMIG entry from %s: %v", address, item)
		}
		var meta topology.MigrationTaskMeta
		if err := json.Unmarshal([]byte(blob), &meta); err != nil {
			return nil, coorderror.Wrap(coorderror.KVCOORD_INVALID_REPLY, err)
		}
		tasks = append(tasks, &meta)
	}
	return tasks, nil
}

func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var res error
	for _, cli := range p.clients {
		if err := cli.Close(); err != nil && res == nil {
			res = err
		}
	}
	p.clients = map[string]*redis.Client{}
	return res
}
