package db

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// assert fails the test if the condition is false.
func assert(tb testing.TB, condition bool, msg string, v ...interface{}) {
	if !condition {
		_, file, line, _ := runtime.Caller(1)
		fmt.Printf("\033[31m%s:%d: "+msg+"\033[39m\n\n", append([]interface{}{filepath.Base(file), line}, v...)...)
		tb.FailNow()
	}
}

// ok fails the test if an err is not nil.
func ok(tb testing.TB, err error) {
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		fmt.Printf("\033[31m%s:%d: unexpected error: %s\033[39m\n\n", filepath.Base(file), line, err.Error())
		tb.FailNow()
	}
}

const validLabDef = `---
slug: rusty-gate
name: Rusty Gate
description: An intentionally leaky FTP box.
baseImage: rusty-gate.qcow2
vm:
  ramMb: 2048
  vcpus: 2
  networkMode: isolated
credentials:
  username: rangelab
  password: rangelabpw
flags:
  user:
    points: 25
    mode: generated
    locations:
      - /home/rangelab/user.txt
      - /tmp/user.txt
  root:
    points: 50
    mode: generated
    privileged: true
    locations:
      - /root/root.txt
`

func writeLab(t *testing.T, dir, name, def string, withImage bool) {
	t.Helper()
	labDir := filepath.Join(dir, name)
	ok(t, os.MkdirAll(labDir, 0755))
	ok(t, ioutil.WriteFile(filepath.Join(labDir, "lab.meta.yaml"), []byte(def), 0644))
	if withImage {
		// minimal qcow2 header so image checks pass downstream
		ok(t, ioutil.WriteFile(filepath.Join(labDir, "rusty-gate.qcow2"), []byte("QFI\xfb0000"), 0644))
	}
}

func TestReadLabs(t *testing.T) {
	dir, err := ioutil.TempDir("", "rangelabs")
	ok(t, err)
	defer os.RemoveAll(dir)

	writeLab(t, dir, "rusty-gate", validLabDef, true)

	labs, err := ReadLabs(dir)
	ok(t, err)
	assert(t, len(labs) == 1, "expected 1 lab, got %d", len(labs))

	lab := labs[0]
	assert(t, lab.Slug == "rusty-gate", "unexpected slug %s", lab.Slug)
	assert(t, len(lab.Flags) == 2, "expected 2 flags, got %d", len(lab.Flags))
	assert(t, lab.Flags["user"].Points == 25, "unexpected user flag points")
	assert(t, lab.Flags["root"].Privileged, "root flag should be privileged")
	assert(t, lab.LabDir == filepath.Join(dir, "rusty-gate"), "labDir not set")
}

func TestReadLabsMissingImage(t *testing.T) {
	dir, err := ioutil.TempDir("", "rangelabs")
	ok(t, err)
	defer os.RemoveAll(dir)

	writeLab(t, dir, "rusty-gate", validLabDef, false)

	labs, err := ReadLabs(dir)
	assert(t, err != nil, "expected partial import error")
	assert(t, len(labs) == 0, "lab with missing image should not import")
}

func TestReadLabsBadFlagConfig(t *testing.T) {
	dir, err := ioutil.TempDir("", "rangelabs")
	ok(t, err)
	defer os.RemoveAll(dir)

	def := `---
slug: rusty-gate
name: Rusty Gate
baseImage: rusty-gate.qcow2
vm:
  ramMb: 2048
  vcpus: 2
  networkMode: isolated
credentials:
  username: rangelab
  password: rangelabpw
flags:
  user:
    points: 25
    mode: generated
`
	writeLab(t, dir, "rusty-gate", def, true)

	labs, err := ReadLabs(dir)
	assert(t, err != nil, "expected partial import error")
	assert(t, len(labs) == 0, "generated flag without locations should not import")
}
