package media

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Probe answers hardware and ffmpeg capability questions
type Probe interface {
	HasEncoder(name string) bool
	HasNvidia() bool
	IsIntelCPU() bool
	HasVAAPI() bool
	Hwaccels() []string
}

// SystemProbe inspects the local machine. ffmpeg listings are fetched once.
type SystemProbe struct {
	FFmpeg     string
	RenderNode string

	encodersOnce sync.Once
	encoders     string
	accelsOnce   sync.Once
	accels       []string
}

// NewSystemProbe returns a probe using ffmpeg from PATH
func NewSystemProbe() *SystemProbe {
	return &SystemProbe{FFmpeg: "ffmpeg", RenderNode: "/dev/dri/renderD128"}
}

func (p *SystemProbe) HasEncoder(name string) bool {
	p.encodersOnce.Do(func() {
		out, _ := p.run("-encoders")
		p.encoders = strings.ToLower(string(out))
	})
	return containsWord(p.encoders, strings.ToLower(name))
}

func (p *SystemProbe) HasNvidia() bool {
	_, err := exec.LookPath("nvidia-smi")
	return err == nil
}

func (p *SystemProbe) IsIntelCPU() bool {
	b, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("GenuineIntel"))
}

func (p *SystemProbe) HasVAAPI() bool {
	_, err := os.Stat(p.RenderNode)
	return err == nil
}

// Hwaccels lists the methods printed by `ffmpeg -hwaccels`
func (p *SystemProbe) Hwaccels() []string {
	p.accelsOnce.Do(func() {
		out, err := p.run("-hwaccels")
		if err != nil {
			return
		}
		p.accels = parseHwaccels(out)
	})
	return p.accels
}

func (p *SystemProbe) run(arg string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, p.FFmpeg, "-hide_banner", arg).CombinedOutput()
}

func parseHwaccels(out []byte) []string {
	var accels []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		name := strings.TrimSpace(sc.Text())
		if name == "" || strings.HasPrefix(strings.ToLower(name), "hardware acceleration methods") {
			continue
		}
		accels = append(accels, name)
	}
	return accels
}

func containsWord(haystack, word string) bool {
	for _, f := range strings.Fields(haystack) {
		if f == word {
			return true
		}
	}
	return false
}
