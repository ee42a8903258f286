package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Strum355/log"
	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	consul "github.com/hashicorp/consul/api"
)

type ConsulProvider struct {
	client    *consul.Client
	prefix    string
	ttl       time.Duration
	pingRetry uint64
}

// NewConsulProvider scopes all keys under prefix.
func NewConsulProvider(client *consul.Client, prefix string) *ConsulProvider {
	return &ConsulProvider{
		client:    client,
		prefix:    strings.TrimSuffix(prefix, "/"),
		ttl:       time.Second * 10,
		pingRetry: 5,
	}
}

func (p *ConsulProvider) key(k string) string {
	return p.prefix + "/" + strings.TrimPrefix(k, "/")
}

func (p *ConsulProvider) Put(key string, value []byte) error {
	_, err := p.client.KV().Put(&consul.KVPair{
		Key:   p.key(key),
		Value: value,
	}, &consul.WriteOptions{})
	return errors.Wrapf(err, "failed to put %s", p.key(key))
}

// PutIfAbsent relies on check-and-set with index 0, which only succeeds when
// the key does not exist.
func (p *ConsulProvider) PutIfAbsent(key string, value []byte) (bool, error) {
	ok, _, err := p.client.KV().CAS(&consul.KVPair{
		Key:         p.key(key),
		Value:       value,
		ModifyIndex: 0,
	}, &consul.WriteOptions{})
	if err != nil {
		return false, errors.Wrapf(err, "failed to put %s", p.key(key))
	}
	return ok, nil
}

func (p *ConsulProvider) Get(key string) ([]byte, error) {
	pair, _, err := p.client.KV().Get(p.key(key), &consul.QueryOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get %s", p.key(key))
	}
	if pair == nil {
		return nil, nil
	}
	return pair.Value, nil
}

func (p *ConsulProvider) List(prefix string) (map[string][]byte, error) {
	pairs, _, err := p.client.KV().List(p.key(prefix), &consul.QueryOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load KV at path %s", p.key(prefix))
	}

	out := make(map[string][]byte, len(pairs))
	for _, pair := range pairs {
		out[strings.TrimPrefix(pair.Key, p.prefix+"/")] = pair.Value
	}
	return out, nil
}

func (p *ConsulProvider) Delete(key string) error {
	_, err := p.client.KV().Delete(p.key(key), &consul.WriteOptions{})
	return errors.Wrapf(err, "failed to delete %s", p.key(key))
}

// Ping waits for the agent to report a cluster leader.
func (p *ConsulProvider) Ping(ctx context.Context) error {
	var count uint64
	fn := func() error {
		count++
		leader, err := p.client.Status().Leader()
		if err == nil && leader == "" {
			err = errors.New("no cluster leader")
		}
		if err != nil {
			log.WithFields(log.Fields{
				"limit": p.pingRetry,
				"count": count,
			}).WithError(err).Error("failed to reach consul")
		}
		return err
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second*3), p.pingRetry-1)
	return backoff.Retry(fn, backoff.WithContext(b, ctx))
}

// Register announces the daemon as a service with a TTL check that is kept
// passing while healthy reports true, until ctx is done.
func (p *ConsulProvider) Register(ctx context.Context, name, address string, healthy func() (string, bool)) error {
	id := fmt.Sprintf("%s@%s", name, address)
	service := &consul.AgentServiceRegistration{
		ID:      id,
		Name:    name,
		Address: address,
		Check: &consul.AgentServiceCheck{
			TTL: p.ttl.String(),
		},
	}
	if err := p.client.Agent().ServiceRegister(service); err != nil {
		return errors.Wrap(err, "failed to register service")
	}

	go func() {
		ticker := time.NewTicker(p.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				if err := p.client.Agent().ServiceDeregister(id); err != nil {
					log.WithError(err).Error("failed to deregister service")
				}
				return
			case <-ticker.C:
			}

			health := consul.HealthPassing
			msg, ok := healthy()
			if !ok {
				health = consul.HealthCritical
			}
			if err := p.client.Agent().UpdateTTL("service:"+id, msg, health); err != nil {
				log.WithError(err).Error("failed to update TTL")
				if strings.HasSuffix(err.Error(), "does not have associated TTL)") {
					if err := p.client.Agent().ServiceRegister(service); err != nil {
						log.WithError(err).Error("failed to re-register service")
					}
				}
			}
		}
	}()

	return nil
}
