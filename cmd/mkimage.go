package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xmapst/mkimage"
)

var (
	targetName  string
	output      string
	fixupsPath  string
	moduleSpace uint64
	listTargets bool
	modulePath  string
	base        uint64
	symbolsPath string
	verbose     bool
	logFile     string
)

func main() {
	flag.StringVar(&targetName, "target", "", "target to build for, see -list-targets")
	flag.StringVar(&output, "o", "", "output file")
	flag.StringVar(&fixupsPath, "fixups", "", "write the base relocation table to this file")
	flag.Uint64Var(&moduleSpace, "module-space", 0, "bytes to reserve behind the image for modules")
	flag.BoolVar(&listTargets, "list-targets", false, "list the supported targets")
	flag.StringVar(&modulePath, "module", "", "relocate this module instead of building an image")
	flag.Uint64Var(&base, "base", 0, "address the module is loaded at")
	flag.StringVar(&symbolsPath, "symbols", "", "file of name=address lines the module may refer to")
	flag.BoolVar(&verbose, "v", false, "print every section, symbol and relocation")
	flag.StringVar(&logFile, "log-file", "", "also write the log to this file")
	flag.Parse()

	if listTargets {
		for _, name := range mkimage.Targets() {
			t, _ := mkimage.LookupTarget(name)
			fmt.Println(t)
		}
		return
	}

	var sinks []zapcore.WriteSyncer
	if logFile != "" {
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10,
			MaxBackups: 3,
		}))
	}
	logger := mkimage.NewLogger(verbose, sinks...)
	defer logger.Sync()

	if output == "" {
		logger.Fatal("output file can't be empty")
	}
	var err error
	if modulePath != "" {
		err = relocateModule(logger)
	} else {
		err = buildImage(logger)
	}
	if err != nil {
		logger.Fatal("failed", zap.String("kind", mkimage.KindOf(err)), zap.Error(err))
	}
}

func buildImage(logger *zap.Logger) error {
	if flag.NArg() != 1 {
		return errors.New("expected exactly one kernel file")
	}
	if targetName == "" {
		return errors.New("target can't be empty")
	}
	t, err := mkimage.LookupTarget(targetName)
	if err != nil {
		return err
	}

	in, err := mkimage.OpenInput(flag.Arg(0))
	if err != nil {
		return err
	}
	defer in.Close()

	img, err := mkimage.NewBuilder(t, mkimage.WithModuleSpace(moduleSpace), mkimage.WithLogger(logger)).Build(in.Bytes())
	if err != nil {
		return err
	}
	if err := os.WriteFile(output, img.Data, 0o644); err != nil {
		return err
	}
	logger.Info("image written",
		zap.String("path", output),
		zap.String("start", fmt.Sprintf("0x%x", img.Start)),
		zap.Uint64("exec_size", img.ExecSize),
		zap.Uint64("kernel_size", img.KernelSize),
		zap.Uint64("bss_size", img.BSSSize),
		zap.Uint64("align", img.Align))

	if fixupsPath == "" {
		return nil
	}
	blocks, err := mkimage.ParseFixups(img.Fixups, t.ByteOrder)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		logger.Debug("fixup block", zap.String("page", fmt.Sprintf("0x%x", b.PageRVA)), zap.Int("entries", len(b.Addrs())))
	}
	if err := os.WriteFile(fixupsPath, img.Fixups, 0o644); err != nil {
		return err
	}
	logger.Info("fixups written", zap.String("path", fixupsPath), zap.Int("blocks", len(blocks)), zap.Int("size", len(img.Fixups)))
	return nil
}

func relocateModule(logger *zap.Logger) error {
	opts := []mkimage.ModuleOption{mkimage.WithBase(base), mkimage.WithModuleLogger(logger)}
	if targetName != "" {
		t, err := mkimage.LookupTarget(targetName)
		if err != nil {
			return err
		}
		opts = append(opts, mkimage.WithModuleTarget(t))
	}
	if symbolsPath != "" {
		syms, err := readSymbols(symbolsPath)
		if err != nil {
			return err
		}
		opts = append(opts, mkimage.WithResolver(syms))
	}

	in, err := mkimage.OpenInput(modulePath)
	if err != nil {
		return err
	}
	defer in.Close()

	mod, err := mkimage.LoadModule(in.Bytes(), opts...)
	if err != nil {
		return err
	}
	if err := mod.Relocate(); err != nil {
		return err
	}
	for _, w := range mod.Warnings() {
		logger.Warn("module", zap.Error(w))
	}
	for _, seg := range mod.Segments() {
		logger.Debug("segment", zap.String("name", seg.Name), zap.String("addr", fmt.Sprintf("0x%x", seg.Addr)), zap.Uint64("size", seg.Size))
	}
	if err := os.WriteFile(output, mod.Memory(), 0o644); err != nil {
		return err
	}
	logger.Info("module written", zap.String("path", output), zap.String("base", fmt.Sprintf("0x%x", base)), zap.Int("size", len(mod.Memory())))
	return nil
}

func readSymbols(path string) (mkimage.SymbolMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	syms, err := mkimage.ReadSymbols(f)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return syms, nil
}
