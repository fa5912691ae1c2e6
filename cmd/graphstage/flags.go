package main

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/yungbote/graphstage/internal/app"
)

// override applies one flag to the loaded config, only when the user set it on the running
// command. Several commands may define a flag of the same name.
type override struct {
	flag  *pflag.Flag
	apply func(*app.Config)
}

func (o *rootOptions) bindString(fs *pflag.FlagSet, name, usage string, set func(*app.Config, string)) {
	v := fs.String(name, "", usage)
	o.overrides = append(o.overrides, override{fs.Lookup(name), func(c *app.Config) { set(c, *v) }})
}

func (o *rootOptions) bindBool(fs *pflag.FlagSet, name, usage string, set func(*app.Config, bool)) {
	v := fs.Bool(name, false, usage)
	o.overrides = append(o.overrides, override{fs.Lookup(name), func(c *app.Config) { set(c, *v) }})
}

func (o *rootOptions) bindInt(fs *pflag.FlagSet, name, usage string, set func(*app.Config, int)) {
	v := fs.Int(name, 0, usage)
	o.overrides = append(o.overrides, override{fs.Lookup(name), func(c *app.Config) { set(c, *v) }})
}

func (o *rootOptions) bindDuration(fs *pflag.FlagSet, name, usage string, set func(*app.Config, time.Duration)) {
	v := fs.Duration(name, 0, usage)
	o.overrides = append(o.overrides, override{fs.Lookup(name), func(c *app.Config) { set(c, *v) }})
}
