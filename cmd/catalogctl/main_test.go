// Copyright 2018 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/validator"
)

// run executes the CLI with args against a fresh flag state.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	listCategory, asJSON, verbose = "", false, false
	addName, addImage, addDescription, addCategory = "", "", "", ""
	addPrice, addRating, addOutOfStock, addFeatures = 0, 4.0, false, nil
	productsAddCmd.Flags().Lookup("price").Changed = false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestProductsAddListDelete(t *testing.T) {
	db := filepath.Join(t.TempDir(), "slots.db")

	out, err := run(t, "--db", db, "products", "add",
		"--name", "Desk Lamp", "--price", "19.99", "--image", "lamp.jpg",
		"--description", "LED lamp", "--category", "home", "--feature", "Dimmable", "--feature", "USB-C")
	require.NoError(t, err)
	assert.Equal(t, "added product 38 (Desk Lamp)\n", out)

	out, err = run(t, "--db", db, "--json", "products", "list", "--category", "home")
	require.NoError(t, err)
	var products []model.Product
	require.NoError(t, json.Unmarshal([]byte(out), &products))
	require.Len(t, products, 1)
	assert.Equal(t, []string{"Dimmable", "USB-C"}, products[0].Features)
	assert.True(t, products[0].InStock)

	out, err = run(t, "--db", db, "products", "list")
	require.NoError(t, err)
	assert.Equal(t, 1+38, strings.Count(out, "\n"))

	out, err = run(t, "--db", db, "products", "delete", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "nothing deleted")

	out, err = run(t, "--db", db, "products", "delete", "38")
	require.NoError(t, err)
	assert.Equal(t, "deleted product 38, 0 dynamic products left\n", out)
}

func TestProductsAddValidates(t *testing.T) {
	db := filepath.Join(t.TempDir(), "slots.db")

	_, err := run(t, "--db", db, "products", "add", "--name", "Lamp")
	assert.EqualError(t, err, validator.MsgRequired)

	_, err = run(t, "--db", db, "products", "add", "--name", "Lamp", "--price", "0",
		"--image", "x", "--description", "d", "--category", "c")
	assert.EqualError(t, err, validator.MsgPrice)

	// Every other field is filled but the price was never given.
	_, err = run(t, "--db", db, "products", "add", "--name", "Lamp",
		"--image", "x", "--description", "d", "--category", "c")
	assert.EqualError(t, err, validator.MsgRequired)

	_, err = run(t, "--db", db, "products", "add", "--name", "Lamp", "--price", "-1",
		"--image", "x", "--description", "d", "--category", "c")
	assert.EqualError(t, err, validator.MsgPrice)

	_, err = run(t, "--db", db, "products", "add", "--name", "Lamp", "--price", "1",
		"--image", "x", "--description", "d", "--category", "c", "--rating", "6")
	assert.EqualError(t, err, validator.MsgRating)
}

func TestCategories(t *testing.T) {
	db := filepath.Join(t.TempDir(), "slots.db")
	out, err := run(t, "--db", db, "categories")
	require.NoError(t, err)
	assert.Equal(t, "smart-watches\nsmart-mobiles\nlaptops\ngrocery\nwatches\ncomputers\n", out)
}

func TestDeleteRejectsBadID(t *testing.T) {
	_, err := run(t, "--db", filepath.Join(t.TempDir(), "slots.db"), "products", "delete", "abc")
	assert.Error(t, err)
}
