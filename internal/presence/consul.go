package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	consul "github.com/hashicorp/consul/api"
)

const ServiceName = "prank-hub"

var errNotTracked = errors.New("presence not tracked")

// Consul publishes presence as an agent service guarded by a TTL check. A
// hub that stops refreshing drops out of the healthy set on its own.
type Consul struct {
	client *consul.Client
	ttl    time.Duration

	mu        sync.Mutex
	serviceID string
}

func NewConsul(consulAddr string, ttl time.Duration) (*Consul, error) {
	config := consul.DefaultConfig()
	config.Address = consulAddr

	client, err := consul.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}

	if ttl <= 0 {
		ttl = 90 * time.Second
	}

	return &Consul{client: client, ttl: ttl}, nil
}

func serviceID(machineID string) string {
	return ServiceName + "-" + machineID
}

func checkID(serviceID string) string {
	return serviceID + ":ttl"
}

func (c *Consul) Track(ctx context.Context, state State) error {
	id := serviceID(state.MachineID)

	reg := &consul.AgentServiceRegistration{
		ID:   id,
		Name: ServiceName,
		Tags: []string{state.Mode},
		Meta: map[string]string{
			"machine_id":    state.MachineID,
			"hub_id":        state.HubID,
			"friendly_name": state.FriendlyName,
			"mode":          state.Mode,
			"scripts":       strings.Join(state.Scripts, ","),
			"script_count":  strconv.Itoa(len(state.Scripts)),
			"online_at":     state.OnlineAt.UTC().Format(time.RFC3339),
			"os":            state.OS,
			"cpu_cores":     strconv.Itoa(state.CPUCores),
			"memory_bytes":  strconv.FormatUint(state.MemoryBytes, 10),
		},
		Check: &consul.AgentServiceCheck{
			CheckID:                        checkID(id),
			TTL:                            c.ttl.String(),
			DeregisterCriticalServiceAfter: (10 * c.ttl).String(),
		},
	}

	opts := consul.ServiceRegisterOpts{}.WithContext(ctx)
	if err := c.client.Agent().ServiceRegisterOpts(reg, opts); err != nil {
		return fmt.Errorf("register presence: %w", err)
	}

	c.mu.Lock()
	c.serviceID = id
	c.mu.Unlock()

	return c.pass(ctx, id)
}

func (c *Consul) Refresh(ctx context.Context) error {
	c.mu.Lock()
	id := c.serviceID
	c.mu.Unlock()

	if id == "" {
		return errNotTracked
	}
	return c.pass(ctx, id)
}

func (c *Consul) pass(ctx context.Context, id string) error {
	q := (&consul.QueryOptions{}).WithContext(ctx)
	if err := c.client.Agent().UpdateTTLOpts(checkID(id), "online", consul.HealthPassing, q); err != nil {
		return fmt.Errorf("update presence ttl: %w", err)
	}
	return nil
}

func (c *Consul) Leave(ctx context.Context) error {
	c.mu.Lock()
	id := c.serviceID
	c.serviceID = ""
	c.mu.Unlock()

	if id == "" {
		return nil
	}

	q := (&consul.QueryOptions{}).WithContext(ctx)
	if err := c.client.Agent().ServiceDeregisterOpts(id, q); err != nil {
		return fmt.Errorf("deregister presence: %w", err)
	}
	return nil
}

// OnlineHub is one healthy presence entry.
type OnlineHub struct {
	MachineID    string    `json:"machine_id"`
	HubID        string    `json:"hub_id"`
	FriendlyName string    `json:"friendly_name"`
	Mode         string    `json:"mode"`
	Scripts      []string  `json:"scripts"`
	OnlineAt     time.Time `json:"online_at"`
	Address      string    `json:"address"`
}

// Online lists hubs whose presence check is passing.
func (c *Consul) Online(ctx context.Context) ([]OnlineHub, error) {
	q := (&consul.QueryOptions{}).WithContext(ctx)
	entries, _, err := c.client.Health().Service(ServiceName, "", true, q)
	if err != nil {
		return nil, fmt.Errorf("query consul: %w", err)
	}

	hubs := make([]OnlineHub, 0, len(entries))
	for _, e := range entries {
		if e.Service == nil {
			continue
		}
		meta := e.Service.Meta

		hub := OnlineHub{
			MachineID:    meta["machine_id"],
			HubID:        meta["hub_id"],
			FriendlyName: meta["friendly_name"],
			Mode:         meta["mode"],
			Address:      e.Service.Address,
		}
		if hub.Address == "" && e.Node != nil {
			hub.Address = e.Node.Address
		}
		if s := meta["scripts"]; s != "" {
			hub.Scripts = strings.Split(s, ",")
		}
		if t, err := time.Parse(time.RFC3339, meta["online_at"]); err == nil {
			hub.OnlineAt = t
		}
		hubs = append(hubs, hub)
	}

	sort.Slice(hubs, func(i, j int) bool { return hubs[i].FriendlyName < hubs[j].FriendlyName })
	return hubs, nil
}
