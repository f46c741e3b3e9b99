package main

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/fentz26/ninjateam/internal/models"
)

// modeValue is a pflag.Value restricted to the known build modes.
type modeValue struct {
	mode models.BuildMode
}

var _ pflag.Value = (*modeValue)(nil)

func (m *modeValue) String() string { return string(m.mode) }

func (m *modeValue) Set(s string) error {
	mode, ok := models.ParseBuildMode(s)
	if !ok {
		return fmt.Errorf("unknown mode %q (want single, distributed, recursive or cloud)", s)
	}
	m.mode = mode
	return nil
}

func (m *modeValue) Type() string { return "mode" }
