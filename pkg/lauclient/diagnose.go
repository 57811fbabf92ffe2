package lauclient

import (
	"github.com/function61/laukaisin/pkg/laupatch"
)

type Diagnosis struct {
	Patch            *laupatch.Inspection // nil when not installed
	FreeSpace        uint64               // on the install dir's filesystem
	MissingResources []string             // needed by launch but not yet provisioned
}

// read-only look at what the next launch would have to deal with
func (c *Client) Diagnose(conf laupatch.Config) (*Diagnosis, error) {
	diag := &Diagnosis{
		MissingResources: []string{},
	}

	resources, err := c.requiredResources(conf)
	if err != nil {
		return nil, err
	}

	for _, res := range resources {
		installed, err := c.provisioner.IsInstalled(res)
		if err != nil {
			return nil, err
		}

		if !installed {
			diag.MissingResources = append(diag.MissingResources, res.Name)
		}
	}

	st := c.Snapshot()
	if !st.Installed {
		return diag, nil
	}

	diag.Patch, err = c.patchEngine(conf).Inspect(st.InstallDir)
	if err != nil {
		return nil, err
	}

	diag.FreeSpace, err = c.freeSpace(st.InstallDir)
	if err != nil {
		return nil, err
	}

	return diag, nil
}
