package serial

import (
	"maps"
	"slices"
	"strings"
)

// VV is a site-timeserials vector: the latest serial accepted from
// each known site. It is the only gate for applying an operation.
type VV map[string]string

func (vv VV) Get(site string) string {
	return vv[site]
}

// Set the serial for the site, regardless of the previous value
func (vv VV) Set(site, serial string) {
	vv[site] = serial
}

// Put the site-serial pair to the VV, returns whether it was
// unseen (i.e. made any difference)
func (vv VV) Put(site, serial string) bool {
	pre, ok := vv[site]
	if ok && pre >= serial {
		return false
	}
	vv[site] = serial
	return true
}

// LaterOrEqual reports whether the vector already holds a serial
// for the site that is not older than the given one.
// No entry means not later.
func (vv VV) LaterOrEqual(site, serial string) bool {
	pre, ok := vv[site]
	return ok && pre >= serial
}

// Seen reports whether vv covers every entry of b.
func (vv VV) Seen(b VV) bool {
	for site, ser := range b {
		if !vv.LaterOrEqual(site, ser) {
			return false
		}
	}
	return true
}

func (vv VV) Clone() VV {
	if vv == nil {
		return make(VV)
	}
	return maps.Clone(vv)
}

// Sites returns the site codes in sorted order.
func (vv VV) Sites() []string {
	return slices.Sorted(maps.Keys(vv))
}

func (vv VV) String() string {
	sites := vv.Sites()
	ret := make([]byte, 0, len(vv)*32)
	for i, site := range sites {
		if i > 0 {
			ret = append(ret, ',')
		}
		ret = append(ret, site...)
		ret = append(ret, '=')
		ret = append(ret, vv[site]...)
	}
	return string(ret)
}

// VVFromString parses the output of VV.String.
func VVFromString(vvs string) (vv VV) {
	vv = make(VV)
	for _, pair := range strings.Split(vvs, ",") {
		site, ser, ok := strings.Cut(pair, "=")
		if !ok || site == "" {
			continue
		}
		vv.Put(site, ser)
	}
	return
}
