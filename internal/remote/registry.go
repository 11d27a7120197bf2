package remote

import (
	"strconv"
	"strings"

	"github.com/swarmguard/taskforge/internal/domain"
)

// Registry lists the Machines the Scheduler may dispatch remote tasks
// to.
type Registry interface {
	List() []domain.Machine
}

// StaticRegistry is a Registry over a fixed machine set, the shape a
// single-process deployment configures from the environment.
type StaticRegistry struct {
	machines []domain.Machine
}

// NewStaticRegistry returns a Registry over machines.
func NewStaticRegistry(machines []domain.Machine) *StaticRegistry {
	return &StaticRegistry{machines: machines}
}

// List implements Registry.
func (r *StaticRegistry) List() []domain.Machine {
	out := make([]domain.Machine, len(r.machines))
	copy(out, r.machines)
	return out
}

// Lookup returns the Machine with the given name, if registered.
func (r *StaticRegistry) Lookup(name string) (domain.Machine, bool) {
	for _, m := range r.machines {
		if m.Name == name {
			return m, true
		}
	}
	return domain.Machine{}, false
}

// ParseMachines parses the TASKFORGE_MACHINES format: comma-separated
// entries of "name=address/max_parallel", e.g.
// "build-1=10.0.0.5/2,build-2=buildhost.internal/4". Malformed entries
// are skipped; max_parallel defaults to 1 when omitted.
func ParseMachines(spec string) []domain.Machine {
	var out []domain.Machine
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, rest, ok := strings.Cut(entry, "=")
		if !ok || name == "" || rest == "" {
			continue
		}
		addr, maxStr, hasMax := strings.Cut(rest, "/")
		maxParallel := 1
		if hasMax {
			if n, err := strconv.Atoi(maxStr); err == nil && n >= 1 {
				maxParallel = n
			}
		}
		out = append(out, domain.Machine{Name: name, Address: addr, MaxParallel: maxParallel})
	}
	return out
}
