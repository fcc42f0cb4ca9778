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

// Command catalogctl manages the storefront catalog stored in a local
// sqlite slot file.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/catalog"
	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/repository"
	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/validator"
)

var (
	dbPath      string
	catalogFile string
	asJSON      bool
	verbose     bool
	timeout     time.Duration

	listCategory string

	addName        string
	addPrice       float64
	addImage       string
	addDescription string
	addCategory    string
	addFeatures    []string
	addRating      float64
	addOutOfStock  bool
)

var rootCmd = &cobra.Command{
	Use:           "catalogctl",
	Short:         "Manage the storefront product catalog",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var productsCmd = &cobra.Command{
	Use:   "products",
	Short: "List, add and delete products",
}

var productsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List built-in and dynamic products",
	Args:  cobra.NoArgs,
	RunE:  runProductsList,
}

var productsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a dynamic product",
	Long: `Add a product to the dynamic catalog. The id is assigned
automatically, one above the highest id in the catalog.

Example:
  catalogctl products add --name "Desk Lamp" --price 19.99 \
    --image /static/img/lamp.jpg --description "LED lamp" --category home`,
	Args: cobra.NoArgs,
	RunE: runProductsAdd,
}

var productsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a dynamic product",
	Long:  "Delete a dynamic product. Built-in products cannot be deleted; asking for one changes nothing.",
	Args:  cobra.ExactArgs(1),
	RunE:  runProductsDelete,
}

var categoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "List categories in first-seen order",
	Args:  cobra.NoArgs,
	RunE:  runCategories,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", envOr("SQLITE_PATH", "data/storefront.db"), "sqlite slot file")
	rootCmd.PersistentFlags().StringVar(&catalogFile, "catalog-file", os.Getenv("CATALOG_FILE"), "built-in catalog YAML (default: embedded)")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log store activity to stderr")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "operation timeout")

	productsListCmd.Flags().StringVar(&listCategory, "category", "", "only list products in this category")

	productsAddCmd.Flags().StringVar(&addName, "name", "", "product name (required)")
	productsAddCmd.Flags().Float64Var(&addPrice, "price", 0, "price, greater than 0 (required)")
	productsAddCmd.Flags().StringVar(&addImage, "image", "", "image URL (required)")
	productsAddCmd.Flags().StringVar(&addDescription, "description", "", "description (required)")
	productsAddCmd.Flags().StringVar(&addCategory, "category", "", "category (required)")
	productsAddCmd.Flags().StringSliceVar(&addFeatures, "feature", nil, "feature bullet, repeatable")
	productsAddCmd.Flags().Float64Var(&addRating, "rating", 4.0, "rating between 0 and 5")
	productsAddCmd.Flags().BoolVar(&addOutOfStock, "out-of-stock", false, "mark the product out of stock")

	productsCmd.AddCommand(productsListCmd)
	productsCmd.AddCommand(productsAddCmd)
	productsCmd.AddCommand(productsDeleteCmd)

	rootCmd.AddCommand(productsCmd)
	rootCmd.AddCommand(categoriesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore opens the slot file and returns a catalog store over it.
func openStore(cmd *cobra.Command) (*catalog.Store, func(), error) {
	log := logrus.New()
	log.Out = cmd.ErrOrStderr()
	if !verbose {
		log.SetLevel(logrus.WarnLevel)
	}

	builtin, err := loadBuiltin()
	if err != nil {
		return nil, nil, err
	}
	slot, err := repository.NewSQLiteSlot(dbPath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open %s", dbPath)
	}
	store := catalog.New(builtin, slot, catalog.WithLogger(log), catalog.WithSlotTimeout(timeout))
	return store, func() { slot.Close() }, nil
}

func loadBuiltin() (*catalog.Builtin, error) {
	if catalogFile == "" {
		return catalog.LoadBuiltin()
	}
	data, err := os.ReadFile(catalogFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", catalogFile)
	}
	return catalog.ParseBuiltin(data)
}

func runProductsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	store, closeFn, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	var products []model.Product
	if listCategory != "" {
		products = store.GetProductsByCategory(ctx, listCategory)
	} else {
		products = store.GetAllProducts(ctx)
	}
	return printProducts(cmd.OutOrStdout(), products)
}

func runProductsAdd(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	inStock := !addOutOfStock
	rating := addRating
	var price *float64
	if cmd.Flags().Changed("price") {
		price = &addPrice
	}
	payload := validator.ProductPayload{ProductDraft: model.ProductDraft{
		Name:        addName,
		Price:       price,
		Image:       addImage,
		Description: addDescription,
		Category:    addCategory,
		Features:    addFeatures,
		InStock:     &inStock,
		Rating:      &rating,
	}}
	if err := payload.Validate(); err != nil {
		return validator.ValidationErrorResponse(err)
	}

	store, closeFn, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	p := store.AddProduct(ctx, payload.ProductDraft)
	if !store.Durable() {
		return errors.Errorf("product %d was not saved to %s", p.ID, dbPath)
	}
	if asJSON {
		return writeJSON(cmd.OutOrStdout(), p)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "added product %d (%s)\n", p.ID, p.Name)
	return nil
}

func runProductsDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	id, err := strconv.Atoi(args[0])
	if err != nil {
		return errors.Wrapf(err, "invalid product id %q", args[0])
	}

	store, closeFn, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	before := len(store.DynamicProducts(ctx))
	left := store.DeleteProduct(ctx, id)
	if len(left) == before {
		fmt.Fprintf(cmd.OutOrStdout(), "no dynamic product with id %d, nothing deleted\n", id)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted product %d, %d dynamic products left\n", id, len(left))
	return nil
}

func runCategories(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	store, closeFn, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	categories := store.GetAllCategories(ctx)
	if asJSON {
		return writeJSON(cmd.OutOrStdout(), categories)
	}
	for _, c := range categories {
		fmt.Fprintln(cmd.OutOrStdout(), c)
	}
	return nil
}

func printProducts(w io.Writer, products []model.Product) error {
	if asJSON {
		return writeJSON(w, products)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCATEGORY\tPRICE\tIN STOCK\tRATING")
	for _, p := range products {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.2f\t%t\t%.1f\n", p.ID, p.Name, p.Category, p.Price, p.InStock, p.Rating)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
