package actuator

import (
	"fmt"
	"strings"
	"sync"

	"petfeeder/internal/feeding"
	logx "petfeeder/pkg/logx"
)

// Resolver maps an owner to the client for that owner's device.
type Resolver interface {
	For(owner string) (Client, error)
}

// Device overrides the default endpoint for one owner.
type Device struct {
	BaseURL string
	Token   string
}

// Directory resolves per-owner devices. Owners without an override share the
// default endpoint. Clients are built lazily and reused.
type Directory struct {
	def     Config
	devices map[string]Device
	log     logx.Logger

	mu      sync.Mutex
	clients map[string]Client
}

func NewDirectory(def Config, devices map[string]Device, log logx.Logger) *Directory {
	cp := make(map[string]Device, len(devices))
	for k, v := range devices {
		cp[strings.TrimSpace(k)] = v
	}
	return &Directory{def: def, devices: cp, log: log, clients: make(map[string]Client)}
}

func (d *Directory) For(owner string) (Client, error) {
	cfg := d.def
	key := ""
	if dev, ok := d.devices[owner]; ok {
		key = owner
		if dev.BaseURL != "" {
			cfg.BaseURL = dev.BaseURL
		}
		if dev.Token != "" {
			cfg.Token = dev.Token
		}
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("%w: no device configured for owner %q", feeding.ErrActuatorUnreachable, owner)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.clients[key]; ok {
		return c, nil
	}
	c, err := NewHTTP(cfg, d.log)
	if err != nil {
		return nil, err
	}
	d.clients[key] = c
	return c, nil
}

// Single resolves every owner to the same client.
type Single struct{ Client Client }

func (s Single) For(string) (Client, error) { return s.Client, nil }
