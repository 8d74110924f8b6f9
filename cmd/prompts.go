package cmd

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/encodeous/lattice/protocol"
	"github.com/encodeous/lattice/state"
)

type prompter struct {
	rl *readline.Instance
}

func newPrompter() (*prompter, error) {
	rl, err := readline.NewEx(&readline.Config{
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, err
	}
	return &prompter{rl: rl}, nil
}

func (p *prompter) Close() error {
	return p.rl.Close()
}

// str asks until validate accepts the answer. An empty answer keeps def.
func (p *prompter) str(label, def string, validate func(string) error) (string, error) {
	for {
		p.rl.SetPrompt(label + ": ")
		val, err := p.rl.ReadlineWithDefault(def)
		if err != nil {
			return "", err
		}
		val = strings.TrimSpace(val)
		if val == "" {
			val = def
		}
		if validate == nil {
			return val, nil
		}
		if err := validate(val); err != nil {
			fmt.Println("  ", err)
			continue
		}
		return val, nil
	}
}

func (p *prompter) yn(label string, def bool) (bool, error) {
	d := "n"
	if def {
		d = "y"
	}
	val, err := p.str(label+" [y/n]", d, func(s string) error {
		switch strings.ToLower(s) {
		case "y", "yes", "n", "no":
			return nil
		}
		return fmt.Errorf("answer y or n")
	})
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(strings.ToLower(val), "y"), nil
}

func (p *prompter) addrPort(label, def string) (netip.AddrPort, error) {
	val, err := p.str(label, def, func(s string) error {
		_, err := netip.ParseAddrPort(s)
		return err
	})
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.ParseAddrPort(val)
}

func (p *prompter) mac(label, def string) (protocol.Addr, error) {
	val, err := p.str(label, def, func(s string) error {
		a, err := protocol.ParseAddr(s)
		if err != nil {
			return err
		}
		return state.AddrValidator(a)
	})
	if err != nil {
		return protocol.Addr{}, err
	}
	return protocol.ParseAddr(val)
}

// savePath asks where to write a file and confirms before overwriting an existing one.
func (p *prompter) savePath(path, name string) (string, error) {
	for {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", err
		}
		fmt.Printf("Where do you want to save the %s?\n", name)
		path, err = p.str("path", abs, state.PathValidator)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(path); err == nil {
			fmt.Printf("Warning: %s file already exists: %s\n", name, path)
			ok, err := p.yn("Overwrite?", false)
			if err != nil {
				return "", err
			}
			if !ok {
				continue
			}
		}
		return path, nil
	}
}
