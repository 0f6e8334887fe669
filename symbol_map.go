package mkimage

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// SymbolMap is a fixed SymbolResolver.
type SymbolMap map[string]uint64

// ResolveSymbol returns the address recorded for name.
func (m SymbolMap) ResolveSymbol(name string) (uint64, bool) {
	v, ok := m[name]
	return v, ok
}

// ReadSymbols parses a symbol list. Two line formats are accepted:
//
//	name=address
//	address type name
//
// The second one is what nm prints, its address is hexadecimal without a
// prefix. Undefined nm entries, blank lines and lines starting with # are
// skipped. Every bad line is reported.
func ReadSymbols(r io.Reader) (SymbolMap, error) {
	syms := SymbolMap{}
	var errs error
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if name, addr, ok := strings.Cut(line, "="); ok {
			v, err := strconv.ParseUint(strings.TrimSpace(addr), 0, 64)
			if err != nil {
				errs = multierr.Append(errs, errors.Wrapf(err, "line %d", n))
				continue
			}
			syms[strings.TrimSpace(name)] = v
			continue
		}

		fields := strings.Fields(line)
		switch {
		case len(fields) == 2 && fields[0] == "U":
			continue
		case len(fields) != 3:
			errs = multierr.Append(errs, errors.Errorf("line %d: expected name=address or an nm line", n))
			continue
		}
		v, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "line %d", n))
			continue
		}
		syms[fields[2]] = v
	}
	if err := sc.Err(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		return nil, errs
	}
	return syms, nil
}
