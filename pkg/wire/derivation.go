package wire

import (
	"sort"

	"github.com/thufschmitt/hydra/pkg/storemodel"
)

// WriteBasicDerivation serialises a BasicDerivation in the order the
// peer expects it inside cmdBuildDerivation: outputs, then
// input sources, then platform, builder, args, environment.
func (w *Writer) WriteBasicDerivation(drv storemodel.BasicDerivation) error {
	outputNames := make([]string, 0, len(drv.Outputs))
	for name := range drv.Outputs {
		outputNames = append(outputNames, name)
	}
	sort.Strings(outputNames)

	if err := w.WriteUint64(uint64(len(outputNames))); err != nil {
		return err
	}
	for _, name := range outputNames {
		if err := w.WriteString(name); err != nil {
			return err
		}
		if err := w.WriteString(drv.Outputs[name].String()); err != nil {
			return err
		}
	}

	inputSrcs := drv.InputSrcs.Sorted()
	inputStrs := make([]string, len(inputSrcs))
	for i, p := range inputSrcs {
		inputStrs[i] = p.String()
	}
	if err := w.WriteStringSet(inputStrs); err != nil {
		return err
	}

	if err := w.WriteString(drv.Platform); err != nil {
		return err
	}
	if err := w.WriteString(drv.Builder); err != nil {
		return err
	}
	if err := w.WriteStrings(drv.Args); err != nil {
		return err
	}

	envNames := make([]string, 0, len(drv.Environment))
	for k := range drv.Environment {
		envNames = append(envNames, k)
	}
	sort.Strings(envNames)
	if err := w.WriteUint64(uint64(len(envNames))); err != nil {
		return err
	}
	for _, k := range envNames {
		if err := w.WriteString(k); err != nil {
			return err
		}
		if err := w.WriteString(drv.Environment[k]); err != nil {
			return err
		}
	}
	return nil
}

// ReadBasicDerivation deserialises a BasicDerivation written by
// WriteBasicDerivation. It exists primarily for round-trip testing:
// this core only ever sends BasicDerivations, it never receives
// them from a peer.
func (r *Reader) ReadBasicDerivation() (storemodel.BasicDerivation, error) {
	var drv storemodel.BasicDerivation

	nOutputs, err := r.ReadUint64()
	if err != nil {
		return drv, err
	}
	drv.Outputs = make(map[string]storemodel.StorePath, nOutputs)
	for i := uint64(0); i < nOutputs; i++ {
		name, err := r.ReadString()
		if err != nil {
			return drv, err
		}
		path, err := r.ReadString()
		if err != nil {
			return drv, err
		}
		drv.Outputs[name] = storemodel.NewStorePath(path)
	}

	inputStrs, err := r.ReadStrings()
	if err != nil {
		return drv, err
	}
	inputs := make([]storemodel.StorePath, len(inputStrs))
	for i, s := range inputStrs {
		inputs[i] = storemodel.NewStorePath(s)
	}
	drv.InputSrcs = storemodel.NewStorePathSet(inputs...)

	if drv.Platform, err = r.ReadString(); err != nil {
		return drv, err
	}
	if drv.Builder, err = r.ReadString(); err != nil {
		return drv, err
	}
	if drv.Args, err = r.ReadStrings(); err != nil {
		return drv, err
	}

	nEnv, err := r.ReadUint64()
	if err != nil {
		return drv, err
	}
	drv.Environment = make(map[string]string, nEnv)
	for i := uint64(0); i < nEnv; i++ {
		k, err := r.ReadString()
		if err != nil {
			return drv, err
		}
		v, err := r.ReadString()
		if err != nil {
			return drv, err
		}
		drv.Environment[k] = v
	}

	return drv, nil
}
