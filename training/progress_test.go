package training

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/tsawler/go-dcvae/dcvae"
)

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Epoch 1/2", 4)
	pb.Update(2, map[string]float32{"loss": 0.5, "beta": 1})

	line := buf.String()
	if !strings.HasPrefix(line, "\rEpoch 1/2:  50%|") {
		t.Errorf("Unexpected progress line %q", line)
	}
	if !strings.Contains(line, "2/4") {
		t.Errorf("Expected step count in %q", line)
	}
	if strings.Index(line, "beta=1.000") > strings.Index(line, "loss=0.500") {
		t.Errorf("Metrics should be sorted by name: %q", line)
	}

	buf.Reset()
	pb.Finish()
	if !strings.Contains(buf.String(), "100%") || !strings.HasSuffix(buf.String(), "]\n") {
		t.Errorf("Unexpected final line %q", buf.String())
	}
}

func TestFormatDuration(t *testing.T) {
	if got := formatDuration(83 * time.Second); got != "01:23" {
		t.Errorf("Expected 01:23, got %s", got)
	}
	if got := formatDuration(-time.Second); got != "00:00" {
		t.Errorf("Expected 00:00 for negative durations, got %s", got)
	}
}

func TestPrintArchitecture(t *testing.T) {
	spec := dcvae.DefaultSpecification()
	enc, gen, err := dcvae.Architecture(&spec)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	PrintArchitecture(&buf, "Base", enc, gen)
	out := buf.String()

	for _, want := range []string{
		"(encoder/conv_0): Conv2d(1, 10, kernel_size=(3, 3), stride=(2, 2), padding=same, activation=elu) -> [361 720 10]",
		"(encoder/dense): Linear(in_features=82800, out_features=200)",
		"(generator/deconv_0): ConvTranspose2d(80, 40, kernel_size=(3, 3), stride=(2, 2), output_padding=(1, 1), activation=elu) -> [46 90 40]",
		"(generator/deconv_4): ConvTranspose2d(10, 1, kernel_size=(3, 3), stride=(2, 2), output_padding=(0, 1)) -> [721 1440 1]",
		"Total parameters: ",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Missing %q in\n%s", want, out)
		}
	}
}

func TestFormatParameterCount(t *testing.T) {
	for count, want := range map[int64]string{999: "999", 1500: "1.5K", 2500000: "2.5M"} {
		if got := formatParameterCount(count); got != want {
			t.Errorf("%d: expected %s, got %s", count, want, got)
		}
	}
}
