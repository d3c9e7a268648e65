package protocol

import (
	"sort"
	"sync"
)

// Registry indexes protocol definitions by id, device type, and transport,
// and maintains a single priority order used by the identification prober.
type Registry struct {
	mu            sync.RWMutex
	byID          map[string]*Definition
	byDeviceType  map[DeviceType][]*Definition
	byTransport   map[Transport][]*Definition
	insertion     []*Definition
	priorityOrder []*Definition

	mapMu      sync.Mutex
	mapCache   map[string][]RegisterDescriptor
	mapLoader  func(protocol *Definition) ([]RegisterDescriptor, error)
}

// NewRegistry creates an empty registry. mapLoader is invoked on first use of
// a protocol's register map and the result is cached; a nil mapLoader yields
// an always-empty map, which is non-fatal (see adapter.Factory).
func NewRegistry(mapLoader func(protocol *Definition) ([]RegisterDescriptor, error)) *Registry {
	return &Registry{
		byID:         make(map[string]*Definition),
		byDeviceType: make(map[DeviceType][]*Definition),
		byTransport:  make(map[Transport][]*Definition),
		mapCache:     make(map[string][]RegisterDescriptor),
		mapLoader:    mapLoader,
	}
}

// Register adds a protocol definition to the registry. Duplicate
// protocol_id is a fatal configuration error. A register-based serial_number
// without a size is rejected with ErrSerialSizeRequired.
func (r *Registry) Register(def *Definition) error {
	if def.ProtocolID == "" {
		return ErrProtocolIDRequired
	}
	if def.SerialNumber.IsRegisterBased() && def.SerialNumber.Size == 0 {
		return ErrSerialSizeRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[def.ProtocolID]; exists {
		return ErrDuplicateProtocolID
	}

	r.byID[def.ProtocolID] = def
	r.byDeviceType[def.DeviceType] = append(r.byDeviceType[def.DeviceType], def)
	r.byTransport[def.Transport] = append(r.byTransport[def.Transport], def)
	r.insertion = append(r.insertion, def)
	r.rebuildPriorityOrderLocked()

	return nil
}

// rebuildPriorityOrderLocked sorts on priority ascending with insertion
// order as the tiebreak. Sorting the insertion slice (never the id map,
// whose iteration order is randomized) is what makes the tiebreak
// deterministic.
func (r *Registry) rebuildPriorityOrderLocked() {
	order := make([]*Definition, len(r.insertion))
	copy(order, r.insertion)
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].Priority < order[j].Priority
	})
	r.priorityOrder = order
}

// Get returns the definition for a protocol id.
func (r *Registry) Get(protocolID string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[protocolID]
	return d, ok
}

// Len returns the number of registered protocols.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// IterByPriority returns all protocols ordered by ascending priority.
func (r *Registry) IterByPriority() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, len(r.priorityOrder))
	copy(out, r.priorityOrder)
	return out
}

// IterModbusByPriority returns modbus_tcp and modbus_rtu protocols ordered by
// ascending priority.
func (r *Registry) IterModbusByPriority() []*Definition {
	return r.filterByPriority(func(d *Definition) bool {
		return d.Transport == TransportModbusTCP || d.Transport == TransportModbusRTU
	})
}

// IterCommandByPriority returns command protocols ordered by ascending
// priority.
func (r *Registry) IterCommandByPriority() []*Definition {
	return r.filterByPriority(func(d *Definition) bool {
		return d.Transport == TransportCommand
	})
}

func (r *Registry) filterByPriority(keep func(*Definition) bool) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.priorityOrder))
	for _, d := range r.priorityOrder {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}

// RegisterMap returns the (possibly cached) register map for a protocol. A
// missing or unloadable file is non-fatal: it yields an empty map.
func (r *Registry) RegisterMap(def *Definition) []RegisterDescriptor {
	r.mapMu.Lock()
	defer r.mapMu.Unlock()

	if cached, ok := r.mapCache[def.ProtocolID]; ok {
		return cached
	}

	var regs []RegisterDescriptor
	if r.mapLoader != nil && def.RegisterMapFile != "" {
		loaded, err := r.mapLoader(def)
		if err == nil {
			regs = loaded
		}
	}

	r.mapCache[def.ProtocolID] = regs
	return regs
}
