package mkimage

import (
	"debug/elf"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// relocateSymbols rewrites the value of every symbol in syms to the address
// the image code sees and returns the entry point. When jumpers is not nil
// every function symbol gets a descriptor in it and is redirected there.
func relocateSymbols(syms []Symbol, vaddrs []uint64, jumpers *wordArea, log *zap.Logger) (uint64, error) {
	var (
		start uint64
		found bool
	)
	for i := range syms {
		sym := &syms[i]
		switch {
		case sym.Section == elf.SHN_ABS:
			continue
		case sym.Section == elf.SHN_UNDEF:
			if sym.NameOff != 0 {
				return 0, errors.Wrapf(ErrUnresolvedSymbol, "undefined symbol %s", sym.Name)
			}
			continue
		case uint64(sym.Section) >= uint64(len(vaddrs)):
			return 0, outOfRangef("section %d does not exist", sym.Section)
		}

		base := vaddrs[sym.Section]
		sym.Value += base
		if jumpers != nil && sym.Type() == elf.STT_FUNC {
			desc, err := jumpers.put(sym.Value, 0)
			if err != nil {
				return 0, err
			}
			sym.Value = desc
		}
		log.Debug("locating symbol", zap.String("name", sym.Name), hex("value", sym.Value), hex("section", base))

		if !found && (sym.Name == "_start" || sym.Name == "start") {
			start = sym.Value
			found = true
		}
	}
	if !found {
		return 0, errors.Wrap(ErrMissingStructure, "start symbol is not defined")
	}
	return start, nil
}
