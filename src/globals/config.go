/*
 * jcvmcore - a Java Card virtual machine runtime core
 * Adapted from the Jacobin VM project. Licensed under Mozilla Public License 2.0 (MPL 2.0)
 */

package globals

import (
	"os"

	"gopkg.in/yaml.v3"
)

// FileOverrides is the subset of Globals a -config FILE may override,
// layered under whatever InitGlobals already set and before CLI flags
// are applied on top (cmd/jcvmcore's flag parsing always wins last).
type FileOverrides struct {
	StackSize   *int  `yaml:"stack_size"`
	MaxHeapSize *int  `yaml:"max_heap_size"`
	MaxApplets  *int  `yaml:"max_applets"`
	MaxPackages *int  `yaml:"max_packages"`
	Checks      *Checks `yaml:"checks"`
}

// LoadConfigFile reads a YAML config file and applies any fields it sets
// onto g. A missing field in the file leaves g's existing value alone.
func LoadConfigFile(path string, g *Globals) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var o FileOverrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return err
	}

	if o.StackSize != nil {
		g.StackSize = *o.StackSize
	}
	if o.MaxHeapSize != nil {
		g.MaxHeapSize = *o.MaxHeapSize
	}
	if o.MaxApplets != nil {
		g.MaxApplets = *o.MaxApplets
	}
	if o.MaxPackages != nil {
		g.MaxPackages = *o.MaxPackages
	}
	if o.Checks != nil {
		g.Checks = *o.Checks
	}
	return nil
}
