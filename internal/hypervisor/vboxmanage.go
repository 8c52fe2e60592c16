package hypervisor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Runner executes the VBoxManage binary and returns its standard output
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec, folding stderr into the error
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// VBoxManage drives VirtualBox through its command line interface
type VBoxManage struct {
	binary string
	run    Runner
	log    *log.Entry
}

// NewVBoxManage creates a driver for the given binary. A nil runner uses ExecRunner.
func NewVBoxManage(binary string, run Runner) *VBoxManage {
	if binary == "" {
		binary = "VBoxManage"
	}
	if run == nil {
		run = ExecRunner
	}
	return &VBoxManage{
		binary: binary,
		run:    run,
		log:    log.WithField("driver", "vboxmanage"),
	}
}

func (v *VBoxManage) exec(ctx context.Context, args ...string) ([]byte, error) {
	v.log.WithField("args", args).Debug("running VBoxManage")
	return v.run(ctx, v.binary, args...)
}

// Ping checks that the CLI can be executed
func (v *VBoxManage) Ping(ctx context.Context) error {
	out, err := v.exec(ctx, "--version")
	if err != nil {
		return fmt.Errorf("hypervisor unreachable: %w", err)
	}
	v.log.WithField("version", strings.TrimSpace(string(out))).Info("hypervisor reachable")
	return nil
}

// Groups lists machine groups
func (v *VBoxManage) Groups(ctx context.Context) ([]string, error) {
	out, err := v.exec(ctx, "list", "groups")
	if err != nil {
		return nil, err
	}
	var groups []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		groups = append(groups, unquote(line))
	}
	return groups, scanner.Err()
}

// Machines lists the machines whose group list contains group, sorted by name.
// A single `list -l vms` call covers every registered machine.
func (v *VBoxManage) Machines(ctx context.Context, group string) ([]string, error) {
	out, err := v.exec(ctx, "list", "-l", "vms")
	if err != nil {
		return nil, err
	}
	membership, err := parseLongList(out)
	if err != nil {
		return nil, err
	}
	var members []string
	for name, groups := range membership {
		for _, g := range groups {
			if g == group {
				members = append(members, name)
				break
			}
		}
	}
	sort.Strings(members)
	return members, nil
}

// parseLongList maps machine names to their groups from `list -l vms` output.
// Only unindented Name: lines are considered, and a name is paired with the
// first Groups: line that follows it. Later Name: lines inside the same block
// (shared folders, for one) never see a Groups: line before the next machine
// and are discarded.
func parseLongList(out []byte) (map[string][]string, error) {
	membership := make(map[string][]string)
	pending := ""
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		switch {
		case strings.HasPrefix(line, "Name:"):
			pending = strings.TrimSpace(strings.TrimPrefix(line, "Name:"))
		case strings.HasPrefix(line, "Groups:") && pending != "":
			value := strings.TrimSpace(strings.TrimPrefix(line, "Groups:"))
			membership[pending] = strings.Split(value, ",")
			pending = ""
		}
	}
	return membership, scanner.Err()
}

// listVMs parses `list vms` lines of the form `"name" {uuid}`
func (v *VBoxManage) listVMs(ctx context.Context) ([]string, error) {
	out, err := v.exec(ctx, "list", "vms")
	if err != nil {
		return nil, err
	}
	var names []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, `"`) {
			continue
		}
		end := strings.Index(line[1:], `"`)
		if end < 0 {
			continue
		}
		names = append(names, line[1:end+1])
	}
	return names, scanner.Err()
}

// info returns the machine-readable showvminfo output as a key/value map
func (v *VBoxManage) info(ctx context.Context, machine string) (map[string]string, error) {
	out, err := v.exec(ctx, "showvminfo", machine, "--machinereadable")
	if err != nil {
		if strings.Contains(err.Error(), "VBOX_E_OBJECT_NOT_FOUND") || strings.Contains(err.Error(), "Could not find a registered machine") {
			return nil, fmt.Errorf("%s: %w", machine, ErrMachineNotFound)
		}
		return nil, err
	}
	return parseMachineReadable(out), nil
}

func parseMachineReadable(out []byte) map[string]string {
	values := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		values[unquote(strings.TrimSpace(key))] = unquote(strings.TrimSpace(value))
	}
	return values
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// Clone creates a full registered clone of source
func (v *VBoxManage) Clone(ctx context.Context, source, name, group string) error {
	_, err := v.exec(ctx, "clonevm", source, "--mode", "machine", "--name", name, "--groups", group, "--register")
	return err
}

// Rename changes a machine's name
func (v *VBoxManage) Rename(ctx context.Context, machine, name string) error {
	_, err := v.exec(ctx, "modifyvm", machine, "--name", name)
	return err
}

// SetGroup replaces a machine's group list with group
func (v *VBoxManage) SetGroup(ctx context.Context, machine, group string) error {
	_, err := v.exec(ctx, "modifyvm", machine, "--groups", group)
	return err
}

// SetInternalNetwork attaches a NIC to an internal network
func (v *VBoxManage) SetInternalNetwork(ctx context.Context, machine string, adapter int, network string) error {
	nic := strconv.Itoa(adapter + 1)
	_, err := v.exec(ctx, "modifyvm", machine, "--nic"+nic, "intnet", "--intnet"+nic, network)
	return err
}

// RemoteDisplay reports the VRDE server setting
func (v *VBoxManage) RemoteDisplay(ctx context.Context, machine string) (bool, int, error) {
	info, err := v.info(ctx, machine)
	if err != nil {
		return false, 0, err
	}
	enabled := info["vrde"] == "on"
	port, _ := strconv.Atoi(strings.Split(info["vrdeports"], ",")[0])
	return enabled, port, nil
}

// SetRemoteDisplayPort pins the VRDE server to port
func (v *VBoxManage) SetRemoteDisplayPort(ctx context.Context, machine string, port int) error {
	_, err := v.exec(ctx, "modifyvm", machine, "--vrdeport", strconv.Itoa(port))
	return err
}

// RemoteDisplayActive reports whether a VRDE client is connected
func (v *VBoxManage) RemoteDisplayActive(ctx context.Context, machine string) (bool, error) {
	info, err := v.info(ctx, machine)
	if err != nil {
		return false, err
	}
	return info["VRDEActiveConnection"] == "on", nil
}

// TakeSnapshot snapshots a machine under name
func (v *VBoxManage) TakeSnapshot(ctx context.Context, machine, name string) error {
	_, err := v.exec(ctx, "snapshot", machine, "take", name)
	return err
}

// RestoreSnapshot reverts a machine to the named snapshot
func (v *VBoxManage) RestoreSnapshot(ctx context.Context, machine, name string) error {
	_, err := v.exec(ctx, "snapshot", machine, "restore", name)
	return err
}

// State reports a machine's power state
func (v *VBoxManage) State(ctx context.Context, machine string) (State, error) {
	info, err := v.info(ctx, machine)
	if err != nil {
		return "", err
	}
	return State(info["VMState"]), nil
}

// Start boots a machine headless
func (v *VBoxManage) Start(ctx context.Context, machine string) error {
	_, err := v.exec(ctx, "startvm", machine, "--type", "headless")
	return err
}

// SaveState saves a running machine to disk
func (v *VBoxManage) SaveState(ctx context.Context, machine string) error {
	_, err := v.exec(ctx, "controlvm", machine, "savestate")
	return err
}

// PowerOff pulls the virtual power cord
func (v *VBoxManage) PowerOff(ctx context.Context, machine string) error {
	_, err := v.exec(ctx, "controlvm", machine, "poweroff")
	return err
}

// Delete unregisters a machine and deletes its files
func (v *VBoxManage) Delete(ctx context.Context, machine string) error {
	_, err := v.exec(ctx, "unregistervm", machine, "--delete")
	return err
}

// Import registers an appliance and returns the machines it added
func (v *VBoxManage) Import(ctx context.Context, appliance string) ([]string, error) {
	before, err := v.listVMs(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := v.exec(ctx, "import", appliance); err != nil {
		return nil, err
	}
	after, err := v.listVMs(ctx)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(before))
	for _, name := range before {
		known[name] = true
	}
	var added []string
	for _, name := range after {
		if !known[name] {
			added = append(added, name)
		}
	}
	return added, nil
}
