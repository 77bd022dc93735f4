package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/drpcorg/liveobjects"
	"github.com/pkg/errors"
)

const help = `use <client>                     switch to (or create) a client
attach | detach                  attach or detach the current client
flush                            deliver operations held back by -hold
get <path>                       value at the path
keys <path>                      keys of the map at the path
compact <path> | json <path>     the subtree as Go values or JSON
set <path> <key> <json>          set a primitive or JSON value
setmap <path> <key> [json obj]   set a new map
setcounter <path> <key> [n]      set a new counter
rm <path> <key>                  remove a key
inc <path> [n] | dec <path> [n]  change a counter
sub <path> [depth]               print changes below the path
gc                               run a tombstone sweep
metrics                          dump the collected metrics
exit`

var ErrUsage = errors.New("bad arguments, see help")

func (repl *REPL) current() (*client, error) {
	if repl.cur == nil {
		return nil, ErrNoClient
	}
	return repl.cur, nil
}

// root is "." or an empty path.
func (repl *REPL) path(ctx context.Context, path string) (*liveobjects.PathObject, error) {
	c, err := repl.current()
	if err != nil {
		return nil, err
	}
	root, err := c.objects.Get(ctx)
	if err != nil {
		return nil, err
	}
	if path == "." {
		return root, nil
	}
	return root.At(path)
}

// parseValue reads JSON, anything else is taken as a string.
func parseValue(arg string) any {
	var v any
	if err := json.Unmarshal([]byte(arg), &v); err != nil {
		return arg
	}
	return v
}

func (repl *REPL) CommandUse(ctx context.Context, args []string) (string, error) {
	if len(args) != 1 {
		return "", ErrUsage
	}
	name := args[0]
	if c, ok := repl.clients[name]; ok {
		repl.cur = c
		return "", nil
	}
	ch := repl.server.Channel(name, 0)
	opts := liveobjects.Options{Logger: repl.log}
	if repl.store != nil {
		opts.Store = repl.store
	}
	objects, err := liveobjects.New(ch, opts)
	if err != nil {
		return "", err
	}
	ch.Bind(objects)
	c := &client{name: name, ch: ch, objects: objects}
	repl.clients[name] = c
	repl.cur = c
	if repl.store != nil {
		if err := objects.Restore(ctx); err != nil {
			return "", err
		}
		return "restored from the snapshot store", nil
	}
	return "", nil
}

func (repl *REPL) CommandAttach(ctx context.Context, args []string) (string, error) {
	c, err := repl.current()
	if err != nil {
		return "", err
	}
	if err := c.ch.Attach(ctx); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s attached, connection %s", c.name, c.ch.ConnectionID()), nil
}

func (repl *REPL) CommandDetach(ctx context.Context, args []string) (string, error) {
	c, err := repl.current()
	if err != nil {
		return "", err
	}
	c.ch.Detach()
	return "", nil
}

func (repl *REPL) CommandFlush(ctx context.Context, args []string) (string, error) {
	n := repl.server.Flush()
	for _, c := range repl.clients {
		if err := c.ch.Settle(ctx); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%d operations delivered", n), nil
}

func (repl *REPL) CommandGet(ctx context.Context, args []string) (string, error) {
	if len(args) != 1 {
		return "", ErrUsage
	}
	p, err := repl.path(ctx, args[0])
	if err != nil {
		return "", err
	}
	inst := p.Instance()
	if inst == nil {
		return "", errors.Errorf("nothing at %q", args[0])
	}
	if inst.Type() == "map" {
		return fmt.Sprintf("map %s, %d keys", inst.ID(), inst.Size()), nil
	}
	if inst.ID() != "" {
		return fmt.Sprintf("%s %s = %v", inst.Type(), inst.ID(), inst.Value()), nil
	}
	return fmt.Sprintf("%s %v", inst.Type(), inst.Value()), nil
}

func (repl *REPL) CommandKeys(ctx context.Context, args []string) (string, error) {
	if len(args) != 1 {
		return "", ErrUsage
	}
	p, err := repl.path(ctx, args[0])
	if err != nil {
		return "", err
	}
	return strings.Join(p.Keys(), "\n"), nil
}

func (repl *REPL) CommandCompact(ctx context.Context, args []string) (string, error) {
	if len(args) != 1 {
		return "", ErrUsage
	}
	p, err := repl.path(ctx, args[0])
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%v", p.Compact()), nil
}

func (repl *REPL) CommandJSON(ctx context.Context, args []string) (string, error) {
	if len(args) != 1 {
		return "", ErrUsage
	}
	p, err := repl.path(ctx, args[0])
	if err != nil {
		return "", err
	}
	raw, err := json.MarshalIndent(p.CompactJSON(), "", "  ")
	return string(raw), err
}

func (repl *REPL) CommandSet(ctx context.Context, args []string) (string, error) {
	if len(args) < 3 {
		return "", ErrUsage
	}
	p, err := repl.path(ctx, args[0])
	if err != nil {
		return "", err
	}
	return "", p.Set(ctx, args[1], parseValue(strings.Join(args[2:], " ")))
}

func (repl *REPL) CommandSetMap(ctx context.Context, args []string) (string, error) {
	if len(args) < 2 {
		return "", ErrUsage
	}
	p, err := repl.path(ctx, args[0])
	if err != nil {
		return "", err
	}
	entries := map[string]any{}
	if len(args) > 2 {
		if err := json.Unmarshal([]byte(strings.Join(args[2:], " ")), &entries); err != nil {
			return "", errors.Wrap(err, "map entries")
		}
	}
	return "", p.Set(ctx, args[1], liveobjects.NewLiveMap(entries))
}

func (repl *REPL) CommandSetCounter(ctx context.Context, args []string) (string, error) {
	if len(args) < 2 || len(args) > 3 {
		return "", ErrUsage
	}
	p, err := repl.path(ctx, args[0])
	if err != nil {
		return "", err
	}
	count := 0.0
	if len(args) == 3 {
		if count, err = strconv.ParseFloat(args[2], 64); err != nil {
			return "", err
		}
	}
	return "", p.Set(ctx, args[1], liveobjects.NewLiveCounter(count))
}

func (repl *REPL) CommandRemove(ctx context.Context, args []string) (string, error) {
	if len(args) != 2 {
		return "", ErrUsage
	}
	p, err := repl.path(ctx, args[0])
	if err != nil {
		return "", err
	}
	return "", p.Remove(ctx, args[1])
}

func (repl *REPL) CommandIncrement(ctx context.Context, args []string, sign float64) (string, error) {
	if len(args) < 1 || len(args) > 2 {
		return "", ErrUsage
	}
	p, err := repl.path(ctx, args[0])
	if err != nil {
		return "", err
	}
	amount := 1.0
	if len(args) == 2 {
		if amount, err = strconv.ParseFloat(args[1], 64); err != nil {
			return "", err
		}
	}
	if err := p.Increment(ctx, sign*amount); err != nil {
		return "", err
	}
	return fmt.Sprintf("%v", p.Value()), nil
}

func (repl *REPL) CommandSubscribe(ctx context.Context, args []string) (string, error) {
	if len(args) < 1 || len(args) > 2 {
		return "", ErrUsage
	}
	c, err := repl.current()
	if err != nil {
		return "", err
	}
	p, err := repl.path(ctx, args[0])
	if err != nil {
		return "", err
	}
	depth := 0
	if len(args) == 2 {
		if depth, err = strconv.Atoi(args[1]); err != nil {
			return "", err
		}
	}
	name, path := c.name, p.Path()
	unsub, err := p.Subscribe(func(ev liveobjects.Event) {
		_, _ = fmt.Fprintf(repl.rl, "%s: %s %s\n", name, path, describe(ev))
	}, liveobjects.SubscribeOptions{Depth: depth})
	if err != nil {
		return "", err
	}
	c.unsubs = append(c.unsubs, unsub)
	return "", nil
}

func describe(ev liveobjects.Event) string {
	upd := ev.Update
	var parts []string
	if upd.Deleted {
		parts = append(parts, "deleted")
	}
	if upd.Amount != 0 {
		parts = append(parts, fmt.Sprintf("%+g", upd.Amount))
	}
	keys := make([]string, 0, len(upd.Keys))
	for key, change := range upd.Keys {
		if change == liveobjects.KeyRemoved {
			keys = append(keys, "-"+key)
		} else {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	parts = append(parts, keys...)
	serial := ""
	if ev.Message != nil {
		serial = ev.Message.Serial
	}
	return fmt.Sprintf("%s [%s] %s", upd.ObjectID, strings.Join(parts, " "), serial)
}

func (repl *REPL) CommandGC(ctx context.Context, args []string) (string, error) {
	c, err := repl.current()
	if err != nil {
		return "", err
	}
	c.objects.CollectGarbage()
	return "", nil
}

func (repl *REPL) CommandMetrics(ctx context.Context, args []string) (string, error) {
	families, err := repl.registry.Gather()
	if err != nil {
		return "", err
	}
	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, l := range m.GetLabel() {
				labels = append(labels, l.GetName()+"="+l.GetValue())
			}
			var value float64
			switch {
			case m.GetCounter() != nil:
				value = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				value = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				value = float64(m.GetHistogram().GetSampleCount())
			}
			lines = append(lines, fmt.Sprintf("%s{%s} %g", mf.GetName(), strings.Join(labels, ","), value))
		}
	}
	return strings.Join(lines, "\n"), nil
}
