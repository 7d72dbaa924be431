package main

import (
	"fmt"
	"io"

	"github.com/ozontech/rpccore/status"
)

type StatusCommand struct {
	Codes []string `arg:"" optional:"" help:"Code names (UNAVAILABLE) or numbers (14). All codes when empty."`
}

func (c *StatusCommand) Run(out io.Writer) error {
	if len(c.Codes) == 0 {
		for code := status.OK; code.Valid(); code++ {
			if _, err := fmt.Fprintf(out, "%d\t%s\n", code, code); err != nil {
				return err
			}
		}
		return nil
	}
	for _, s := range c.Codes {
		code, ok := status.ParseCode(s)
		if !ok {
			return fmt.Errorf("unknown status code %q", s)
		}
		if _, err := fmt.Fprintf(out, "%d\t%s\n", code, code); err != nil {
			return err
		}
	}
	return nil
}
