package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// MachineIDLength is the width of the hex machine id.
const MachineIDLength = 16

// Facts describes the machine a hub runs on. They are advertised in presence
// metadata.
type Facts struct {
	Hostname    string
	HostID      string
	OS          string
	Platform    string
	Arch        string
	CPUCores    int
	MemoryBytes uint64
}

// Collect gathers host facts. Missing hardware information is not an error;
// the corresponding fields are left empty.
func Collect() Facts {
	facts := Facts{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}

	if info, err := host.Info(); err == nil {
		facts.Hostname = info.Hostname
		facts.HostID = info.HostID
		facts.Platform = info.Platform
		if info.KernelArch != "" {
			facts.Arch = info.KernelArch
		}
	}

	if facts.Hostname == "" {
		if hostname, err := os.Hostname(); err == nil {
			facts.Hostname = hostname
		}
	}

	if cores, err := cpu.Counts(true); err == nil {
		facts.CPUCores = cores
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		facts.MemoryBytes = vm.Total
	}

	return facts
}

// MachineID derives a stable id for this machine. It is reproducible across
// restarts when the platform exposes a host id; otherwise a random suffix is
// mixed in and the id changes per process.
func MachineID(facts Facts) string {
	if facts.HostID != "" {
		return fingerprint(facts.Hostname, facts.HostID, facts.Arch)
	}
	return fingerprint(facts.Hostname, facts.Arch, randomSuffix())
}

func fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "-")))
	return hex.EncodeToString(sum[:])[:MachineIDLength]
}

func randomSuffix() string {
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		return "0"
	}
	return fmt.Sprintf("%d", n.Int64()+1000)
}
