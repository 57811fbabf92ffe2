package lauresource

const winecxReleases = "https://github.com/3Shain/winecx/releases/download/gi-wine-1.0/"

// built-in resources. config can override any of these by name.
var (
	DXVK = Resource{
		Name: "dxvk",
		// there is no 1.10.4 upstream, this only needs to sort after 1.10.3
		Version: "1.10.4-alpha.20230402",
		Files: []File{
			{URL: winecxReleases + "d3d9.dll", Name: "d3d9.dll"},
			{URL: winecxReleases + "d3d10core.dll", Name: "d3d10core.dll"},
			{URL: winecxReleases + "d3d11.dll", Name: "d3d11.dll"},
			{URL: winecxReleases + "dxgi.dll", Name: "dxgi.dll"},
		},
	}

	MoltenVK = Resource{
		Name:    "moltenvk",
		Version: "1.2.2",
		Files: []File{
			{URL: winecxReleases + "libMoltenVK.dylib", Name: "libMoltenVK.dylib"},
		},
	}

	FPSUnlock = Resource{
		Name:    "fpsunlock",
		Version: "0.1.2",
		Files: []File{
			{URL: "https://github.com/y0soro/genshin-force-fps-rs/releases/download/v0.1.2/genshin-force-fps.exe", Name: "genshin-force-fps.exe"},
		},
	}

	Jadeite = Resource{
		Name:    "jadeite",
		Version: "3.2.0",
		Files: []File{
			{URL: "https://codeberg.org/mkrsym1/jadeite/releases/download/v3.2.0/v3.2.0.zip", Name: "archive.zip", Extract: true},
		},
	}
)

// by name, with overrides applied on top of the built-ins
func Catalog(overrides []Resource) map[string]Resource {
	catalog := map[string]Resource{}
	for _, res := range []Resource{DXVK, MoltenVK, FPSUnlock, Jadeite} {
		catalog[res.Name] = res
	}

	for _, res := range overrides {
		catalog[res.Name] = res
	}

	return catalog
}
