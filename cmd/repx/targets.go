package main

import (
	"fmt"
	"strings"

	"github.com/repx-org/repx/internal/common"
	"github.com/repx-org/repx/internal/repxerr"
	"github.com/repx-org/repx/internal/target"
)

// buildTarget resolves a --target value into a concrete target.Target.
// name may be a key into cfg.Targets (including the reserved "local"),
// or an ad-hoc "ssh:user@host" override not present in the config file.
// hostToolsPath/hostToolsDirName come from the loaded lab.
func buildTarget(cfg *common.Config, name, hostToolsPath, hostToolsDirName string) (target.Target, error) {
	if name == "" {
		name = common.TargetLocal
	}

	if strings.HasPrefix(name, "ssh:") {
		address := strings.TrimPrefix(name, "ssh:")
		if !strings.Contains(address, "@") {
			return nil, &repxerr.InvalidTarget{Value: name}
		}
		tc := common.Target{Kind: "ssh", Host: address}
		if known, ok := cfg.Targets[name]; ok {
			tc = known
		}
		return target.NewSSHTarget(name, address, tc, hostToolsPath, hostToolsDirName), nil
	}

	tc, ok := cfg.Targets[name]
	if !ok {
		return nil, &repxerr.TargetNotFound{Input: name}
	}

	switch tc.Kind {
	case "", "local":
		if tc.RemoteRoot == "" {
			tc.RemoteRoot = cfg.Store.Path
		}
		return target.NewLocalTarget(name, tc, hostToolsPath), nil

	case "ssh":
		address := tc.Host
		if tc.User != "" {
			address = tc.User + "@" + tc.Host
		}
		return target.NewSSHTarget(name, address, tc, hostToolsPath, hostToolsDirName), nil

	default:
		return nil, fmt.Errorf("target %q has unknown kind %q", name, tc.Kind)
	}
}
