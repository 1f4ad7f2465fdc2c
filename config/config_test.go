package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"go.viam.com/sfm/sfm"
	"go.viam.com/sfm/sfmdata"
)

const jsonJob = `{
	"inputs": {"scene": "scene.json", "features": "features.json", "matches": "/data/matches.json"},
	"outputs": {"scene": "out/scene.json", "report": "out/report.json"},
	"sfm": {"min_points_per_pose": 40, "initial_pair": [2, 5], "resection_threshold_policy": "adaptive"},
	"log_level": "debug"
}`

const yamlJob = `
inputs:
  scene: scene.json
  features: features.json
  matches: matches.json
outputs:
  scene: ${SFM_TEST_OUT}/scene.json
sfm:
  local_ba_graph_distance: -1
  max_images_per_group: 4
`

func TestReadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.json")
	test.That(t, os.WriteFile(path, []byte(jsonJob), 0o600), test.ShouldBeNil)

	job, err := ReadLocalConfig(path, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, job.ConfigFilePath, test.ShouldEqual, path)
	test.That(t, job.Inputs.Scene, test.ShouldEqual, filepath.Join(dir, "scene.json"))
	test.That(t, job.Inputs.Matches, test.ShouldEqual, "/data/matches.json")
	test.That(t, job.Outputs.Report, test.ShouldEqual, filepath.Join(dir, "out", "report.json"))
	test.That(t, job.Outputs.PCD, test.ShouldBeEmpty)
	test.That(t, job.LogLevel, test.ShouldEqual, "debug")

	// unset fields keep their defaults
	def := sfm.DefaultConfig()
	test.That(t, job.SfM.MinPointsPerPose, test.ShouldEqual, 40)
	test.That(t, job.SfM.InitialPair, test.ShouldResemble, []sfmdata.Index{2, 5})
	test.That(t, job.SfM.ResectionThresholdPolicy, test.ShouldEqual, "adaptive")
	test.That(t, job.SfM.MaxImagesPerGroup, test.ShouldEqual, def.MaxImagesPerGroup)
	test.That(t, job.SfM.OutlierPrecision, test.ShouldEqual, def.OutlierPrecision)
}

func TestReadYAMLWithEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SFM_TEST_OUT", "/tmp/sfm-out")
	path := filepath.Join(dir, "job.yaml")
	test.That(t, os.WriteFile(path, []byte(yamlJob), 0o600), test.ShouldBeNil)

	job, err := ReadLocalConfig(path, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, job.Outputs.Scene, test.ShouldEqual, "/tmp/sfm-out/scene.json")
	test.That(t, job.SfM.LocalBAGraphDistance, test.ShouldEqual, -1)
	test.That(t, job.SfM.MaxImagesPerGroup, test.ShouldEqual, 4)
	test.That(t, job.SfM.MinPointsPerPose, test.ShouldEqual, sfm.DefaultConfig().MinPointsPerPose)
	test.That(t, job.LogLevel, test.ShouldEqual, "info")
}

func TestInvalidJob(t *testing.T) {
	for _, tc := range []struct {
		name string
		path string
		body string
		want []string
	}{
		{"bad json", "job.json", "{", []string{"json"}},
		{"missing inputs", "job.json", `{"outputs": {"scene": "s.json"}}`, []string{"scene", "features", "matches"}},
		{"bad sfm field", "job.yml", "inputs: {scene: a, features: b, matches: c}\noutputs: {scene: d}\nsfm: {min_track_length: 1}\n",
			[]string{"min_track_length"}},
		{"bad log level", "job.json", `{"inputs": {"scene": "a", "features": "b", "matches": "c"}, "outputs": {"scene": "d"}, "log_level": "loud"}`,
			[]string{"log_level"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromReader(tc.path, strings.NewReader(tc.body), nil)
			test.That(t, err, test.ShouldNotBeNil)
			for _, w := range tc.want {
				test.That(t, err.Error(), test.ShouldContainSubstring, w)
			}
		})
	}

	_, err := ReadLocalConfig(filepath.Join(t.TempDir(), "missing.json"), nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"job.json", "job.yaml"} {
		t.Run(name, func(t *testing.T) {
			job := NewJob()
			job.Inputs = Inputs{Scene: "/a", Features: "/b", Matches: "/c"}
			job.Outputs = Outputs{Scene: "/d", PCD: "/e.pcd"}
			job.SfM.NextBestViewRatio = 0.5

			var buf bytes.Buffer
			test.That(t, Save(job, &buf, name), test.ShouldBeNil)
			got, err := FromReader(name, &buf, nil)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, got.Inputs, test.ShouldResemble, job.Inputs)
			test.That(t, got.Outputs, test.ShouldResemble, job.Outputs)
			test.That(t, got.SfM, test.ShouldResemble, job.SfM)
		})
	}
}
