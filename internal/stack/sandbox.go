package stack

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/picklr-io/lampstack/internal/cloudinit"
	"github.com/picklr-io/lampstack/internal/engine"
	"github.com/picklr-io/lampstack/internal/ir"
	"github.com/picklr-io/lampstack/providers/docker"
)

const (
	DefaultSandboxImage = "ubuntu:24.04"
	DefaultSandboxPort  = 8080
)

func sandboxDefaults(v ir.SandboxVars) (ir.SandboxVars, error) {
	if v.Image == "" {
		v.Image = DefaultSandboxImage
	}
	if v.Port == 0 {
		v.Port = DefaultSandboxPort
	}

	var issues []engine.Issue
	addf := func(format string, args ...any) {
		issues = append(issues, engine.Issue{Address: "sandbox", Message: fmt.Sprintf(format, args...)})
	}
	if ResourceName(v.Name) == "" {
		addf("name is required")
	}
	if v.Runner == "" {
		addf("runner must name a linux lampstack-boot binary on this host")
	}
	if v.Manifest == "" {
		addf("manifest is required")
	}
	if v.Port < 1 || v.Port > 65535 {
		addf("port %d out of range", v.Port)
	}
	if len(issues) > 0 {
		return v, &engine.ValidationError{Issues: issues}
	}
	return v, nil
}

// buildSandbox runs the bootstrap runner in a throwaway container. The runner
// binary and manifest are bind-mounted from the host and the runner state
// lives in a named volume so reruns exercise resume and completion.
func buildSandbox(v ir.SandboxVars) *generated {
	name := ResourceName(v.Name) + "-sandbox"
	labels := map[string]string{"lampstack.stack": ResourceName(v.Name)}
	g := &generated{outputs: map[string]any{}}

	g.add(docker.TypeNetwork, name, docker.NetworkConfig{Name: name, Driver: "bridge", Labels: labels})
	g.add(docker.TypeVolume, name, docker.VolumeConfig{Name: name + "-state"})
	g.add(docker.TypeImage, name, docker.ImageConfig{Name: v.Image})

	env := map[string]string{}
	if v.DBPassword != "" {
		env["LAMPSTACK_DB_PASSWORD"] = v.DBPassword
	}
	g.add(docker.TypeContainer, name, docker.ContainerConfig{
		Image: ref(docker.TypeImage, name, "name"),
		Name:  name,
		Command: []string{
			cloudinit.RunnerPath, "run",
			"--manifest", cloudinit.ManifestPath,
			"--state-dir", cloudinit.StateDir,
			"--log-file", cloudinit.LogPath,
		},
		Ports:    map[string]int{strconv.Itoa(v.Port): PortHTTP},
		Env:      env,
		Networks: []string{ref(docker.TypeNetwork, name, "name")},
		Volumes: []string{
			hostPath(v.Runner) + ":" + cloudinit.RunnerPath + ":ro",
			hostPath(v.Manifest) + ":" + cloudinit.ManifestPath + ":ro",
			embed(docker.TypeVolume, name, "name") + ":" + cloudinit.StateDir,
		},
		Labels:   labels,
		SkipPull: true,
	})

	g.outputs["container"] = ref(docker.TypeContainer, name, "name")
	g.outputs[OutputURL] = fmt.Sprintf("http://127.0.0.1:%d", v.Port)
	return g
}

// hostPath keeps relative paths relative so the provider resolves them
// against the working directory of apply, not of plan.
func hostPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return "./" + filepath.Clean(p)
}
