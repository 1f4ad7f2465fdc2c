package feature

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/sfm/sfmdata"
)

type viewFeaturesJSON struct {
	ViewID   sfmdata.Index                       `json:"view_id"`
	Features map[sfmdata.DescType][]PointFeature `json:"features"`
}

// MarshalJSON encodes the features as a list sorted by view id.
func (f FeaturesPerView) MarshalJSON() ([]byte, error) {
	ids := make([]sfmdata.Index, 0, len(f))
	for id := range f {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]viewFeaturesJSON, 0, len(ids))
	for _, id := range ids {
		out = append(out, viewFeaturesJSON{ViewID: id, Features: f[id]})
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes features written by MarshalJSON.
func (f *FeaturesPerView) UnmarshalJSON(data []byte) error {
	var in []viewFeaturesJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	out := make(FeaturesPerView, len(in))
	for _, v := range in {
		if _, ok := out[v.ViewID]; ok {
			return errors.Errorf("duplicate features for view %d", v.ViewID)
		}
		out[v.ViewID] = v.Features
	}
	*f = out
	return nil
}

// Load reads features from a JSON file.
func Load(path string) (FeaturesPerView, error) {
	//nolint:gosec
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open features file %q", path)
	}
	defer utils.UncheckedErrorFunc(file.Close)
	var f FeaturesPerView
	if err := json.NewDecoder(file).Decode(&f); err != nil {
		return nil, errors.Wrapf(err, "cannot decode features file %q", path)
	}
	return f, nil
}

// Save writes features to a JSON file.
func Save(f FeaturesPerView, path string) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
