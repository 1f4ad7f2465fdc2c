package feature

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"

	"go.viam.com/sfm/sfmdata"
)

func TestFeaturesPerView(t *testing.T) {
	f := FeaturesPerView{}
	test.That(t, f.Add(2, sfmdata.DescTypeSIFT, PointFeature{Point: r2.Point{X: 1, Y: 2}}), test.ShouldEqual, sfmdata.Index(0))
	test.That(t, f.Add(2, sfmdata.DescTypeSIFT, PointFeature{Point: r2.Point{X: 3, Y: 4}}), test.ShouldEqual, sfmdata.Index(1))
	test.That(t, f.Add(2, sfmdata.DescTypeORB, PointFeature{Point: r2.Point{X: 5, Y: 6}}), test.ShouldEqual, sfmdata.Index(0))
	test.That(t, f.Count(2), test.ShouldEqual, 3)
	test.That(t, f.Count(7), test.ShouldEqual, 0)

	feat, ok := f.Feature(2, sfmdata.DescTypeSIFT, 1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, feat.Point, test.ShouldResemble, r2.Point{X: 3, Y: 4})
	_, ok = f.Feature(2, sfmdata.DescTypeSIFT, 2)
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = f.Feature(2, sfmdata.DescTypeAKAZE, 0)
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = f.Feature(9, sfmdata.DescTypeSIFT, 0)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestFeaturesFile(t *testing.T) {
	f := FeaturesPerView{}
	f.Add(1, sfmdata.DescTypeSIFT, PointFeature{Point: r2.Point{X: 10, Y: 20}, Scale: 2})
	f.Add(0, sfmdata.DescTypeSIFT, PointFeature{Point: r2.Point{X: 1, Y: 2}})

	b, err := json.Marshal(f)
	test.That(t, err, test.ShouldBeNil)
	var views []viewFeaturesJSON
	test.That(t, json.Unmarshal(b, &views), test.ShouldBeNil)
	test.That(t, views, test.ShouldHaveLength, 2)
	test.That(t, views[0].ViewID, test.ShouldEqual, sfmdata.Index(0))

	path := filepath.Join(t.TempDir(), "features.json")
	test.That(t, Save(f, path), test.ShouldBeNil)
	loaded, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded, test.ShouldResemble, f)

	var dup FeaturesPerView
	err = json.Unmarshal([]byte(`[{"view_id": 1, "features": {}}, {"view_id": 1, "features": {}}]`), &dup)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "duplicate")
}
