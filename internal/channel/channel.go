// Package channel holds the declarative channel registry: which
// instance types a channel carries, who may subscribe, and which
// records a subscriber gets to see.
package channel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var (
	ErrUnknownChannel = errors.New("channel: unknown channel")
	ErrTypeNotAllowed = errors.New("channel: instance type not allowed")
)

// Config is one channel definition as it appears in the channels file.
type Config struct {
	Name   string   `yaml:"name"`
	Types  []string `yaml:"types"`
	Public bool     `yaml:"public"`

	// Permission decides subscribe and publish access for a user key.
	// Empty admits any authenticated user.
	Permission string `yaml:"permission"`

	// Visibility filters which records a subscriber sees. Empty shows
	// everything the channel carries.
	Visibility string `yaml:"visibility"`
}

// Channel is a compiled channel definition.
type Channel struct {
	Config

	types map[string]struct{}
	perm  *vm.Program
	vis   *vm.Program
}

// AcceptsType reports whether the channel carries the given instance
// type. Reserved "_" types never pass; only the server emits those.
func (c *Channel) AcceptsType(typ string) bool {
	_, ok := c.types[typ]
	return ok
}

// Allows evaluates the channel's permission expression for env.
func (c *Channel) Allows(env AuthEnv) (bool, error) {
	if c.perm == nil {
		return true, nil
	}
	out, err := expr.Run(c.perm, env)
	if err != nil {
		return false, fmt.Errorf("channel %q: permission: %w", c.Name, err)
	}
	return out.(bool), nil
}

// Visible evaluates the channel's visibility expression for env.
func (c *Channel) Visible(env InstanceEnv) (bool, error) {
	if c.vis == nil {
		return true, nil
	}
	out, err := expr.Run(c.vis, env)
	if err != nil {
		return false, fmt.Errorf("channel %q: visibility: %w", c.Name, err)
	}
	return out.(bool), nil
}

// Visibility returns the compiled visibility program, or nil.
func (c *Channel) VisibilityProgram() *vm.Program {
	return c.vis
}

// Registry resolves channel names to compiled channels. It is built
// once at startup and read-only afterwards.
type Registry struct {
	byName map[string]*Channel
	names  []string
}

// NewRegistry validates and compiles the given definitions. Expression
// errors surface here so a broken config fails at startup, not on the
// first subscribe.
func NewRegistry(configs []Config) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Channel, len(configs))}
	for _, cfg := range configs {
		if err := validateConfig(cfg); err != nil {
			return nil, err
		}
		if _, dup := r.byName[cfg.Name]; dup {
			return nil, fmt.Errorf("channel %q: duplicate name", cfg.Name)
		}

		ch := &Channel{Config: cfg, types: make(map[string]struct{}, len(cfg.Types))}
		for _, typ := range cfg.Types {
			ch.types[typ] = struct{}{}
		}

		var err error
		if cfg.Permission != "" {
			ch.perm, err = expr.Compile(cfg.Permission, expr.Env(AuthEnv{}), expr.AsBool())
			if err != nil {
				return nil, fmt.Errorf("channel %q: permission: %w", cfg.Name, err)
			}
		}
		if cfg.Visibility != "" {
			ch.vis, err = expr.Compile(cfg.Visibility, expr.Env(InstanceEnv{}), expr.AsBool())
			if err != nil {
				return nil, fmt.Errorf("channel %q: visibility: %w", cfg.Name, err)
			}
		}

		r.byName[cfg.Name] = ch
		r.names = append(r.names, cfg.Name)
	}
	return r, nil
}

func validateConfig(cfg Config) error {
	if cfg.Name == "" {
		return errors.New("channel: name must not be empty")
	}
	if strings.ContainsAny(cfg.Name, "|/ \t\n") {
		return fmt.Errorf("channel %q: name must not contain separators or whitespace", cfg.Name)
	}
	if len(cfg.Types) == 0 {
		return fmt.Errorf("channel %q: at least one instance type required", cfg.Name)
	}
	for _, typ := range cfg.Types {
		if typ == "" || strings.ContainsRune(typ, '|') {
			return fmt.Errorf("channel %q: invalid instance type %q", cfg.Name, typ)
		}
		if strings.HasPrefix(typ, "_") {
			return fmt.Errorf("channel %q: type %q: leading underscore is reserved", cfg.Name, typ)
		}
	}
	return nil
}

// Get returns the channel with the given name.
func (r *Registry) Get(name string) (*Channel, error) {
	ch, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	return ch, nil
}

// Names returns the channel names in definition order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// All returns the channels in definition order.
func (r *Registry) All() []*Channel {
	out := make([]*Channel, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.byName[name])
	}
	return out
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	return len(r.byName)
}
