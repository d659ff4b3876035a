package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	koru "github.com/swyrknt/koru-delta"
)

func newPutCmd() *cobra.Command {
	var embedding string
	var modelTag string
	cmd := &cobra.Command{
		Use:   "put <namespace> <key> <json-value>",
		Short: "Write a new version of a key",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := valueFromJSON([]byte(args[2]))
			if err != nil {
				return err
			}
			var opts koru.PutOptions
			if embedding != "" {
				if opts.Embedding, err = parseVector(embedding); err != nil {
					return err
				}
				opts.ModelTag = modelTag
			}
			return withDB(cmd, func(ctx context.Context, db *koru.DB) error {
				rec, err := db.Put(ctx, args[0], args[1], value, opts)
				if err != nil {
					return err
				}
				fmt.Printf("%s @ %s (seq %d)\n", rec.VersionID, rec.Timestamp.Format(time.RFC3339Nano), rec.Seq)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&embedding, "embedding", "", "comma-separated float vector")
	cmd.Flags().StringVar(&modelTag, "model", "", "embedding model tag")
	return cmd
}

func newGetCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "get <namespace> <key>",
		Short: "Read a key (optionally at a past timestamp)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(ctx context.Context, db *koru.DB) error {
				var value koru.Value
				var rec *koru.VersionRecord
				var err error
				if at != "" {
					var t time.Time
					if t, err = time.Parse(time.RFC3339Nano, at); err != nil {
						return fmt.Errorf("%w: --at must be RFC 3339: %v", koru.ErrInvalidValue, err)
					}
					value, rec, err = db.GetAt(ctx, args[0], args[1], t)
				} else {
					value, rec, err = db.Get(ctx, args[0], args[1])
				}
				if err != nil {
					return err
				}
				out, err := valueToJSON(value)
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				fmt.Printf("# version %s @ %s\n", rec.VersionID, rec.Timestamp.Format(time.RFC3339Nano))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "RFC 3339 timestamp for time travel")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <namespace> <key>",
		Short: "List a key's versions, newest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(ctx context.Context, db *koru.DB) error {
				hist, err := db.History(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				for _, rec := range hist {
					marker := " "
					if rec.Tombstone {
						marker = "x"
					}
					fmt.Printf("%s %s  %s  seq=%d parents=%d\n",
						marker, rec.VersionID, rec.Timestamp.Format(time.RFC3339Nano), rec.Seq, len(rec.Parents))
				}
				return nil
			})
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <namespace> <key>",
		Short: "Append a tombstone for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(ctx context.Context, db *koru.DB) error {
				rec, err := db.Delete(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Printf("tombstone %s\n", rec.VersionID)
				return nil
			})
		},
	}
}

func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys <namespace>",
		Short: "List live keys in a namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(ctx context.Context, db *koru.DB) error {
				keys, err := db.ListKeys(ctx, args[0])
				if err != nil {
					return err
				}
				for _, k := range keys {
					fmt.Println(k)
				}
				return nil
			})
		},
	}
}

func newNamespacesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "namespaces",
		Short: "List namespaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(ctx context.Context, db *koru.DB) error {
				namespaces, err := db.ListNamespaces(ctx)
				if err != nil {
					return err
				}
				for _, ns := range namespaces {
					fmt.Println(ns)
				}
				return nil
			})
		},
	}
}

func newSimilarCmd() *cobra.Command {
	var k int
	var threshold float64
	var namespace string
	var modelTag string
	cmd := &cobra.Command{
		Use:   "similar <vector>",
		Short: "Top-k cosine similarity search over stored embeddings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := parseVector(args[0])
			if err != nil {
				return err
			}
			return withDB(cmd, func(ctx context.Context, db *koru.DB) error {
				hits, err := db.SimilarByModel(ctx, namespace, query, k, threshold, modelTag)
				if err != nil {
					return err
				}
				for _, h := range hits {
					fmt.Printf("%.4f  %s/%s\n", h.Score, h.Namespace, h.Key)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&k, "top", "k", 10, "number of results")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "minimum cosine score")
	cmd.Flags().StringVar(&namespace, "namespace", "", "restrict to one namespace")
	cmd.Flags().StringVar(&modelTag, "model", "", "restrict to one model tag")
	return cmd
}

// parseVector parses "0.1,0.2,0.3" into a float32 slice.
func parseVector(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad vector component %q", koru.ErrInvalidVector, p)
		}
		out = append(out, float32(f))
	}
	return out, nil
}

// valueFromJSON converts a JSON document into an engine value.
func valueFromJSON(data []byte) (koru.Value, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return koru.Value{}, fmt.Errorf("%w: %v", koru.ErrInvalidValue, err)
	}
	return convertJSON(raw)
}

func convertJSON(raw interface{}) (koru.Value, error) {
	switch v := raw.(type) {
	case nil:
		return koru.Null(), nil
	case bool:
		return koru.Bool(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return koru.Int(i), nil
		}
		f, err := v.Float64()
		if err != nil {
			return koru.Value{}, fmt.Errorf("%w: unrepresentable number %s", koru.ErrInvalidValue, v)
		}
		return koru.Float(f), nil
	case string:
		return koru.String(v), nil
	case []interface{}:
		elems := make([]koru.Value, 0, len(v))
		for _, e := range v {
			converted, err := convertJSON(e)
			if err != nil {
				return koru.Value{}, err
			}
			elems = append(elems, converted)
		}
		return koru.Seq(elems...), nil
	case map[string]interface{}:
		m := make(map[string]koru.Value, len(v))
		for k, e := range v {
			converted, err := convertJSON(e)
			if err != nil {
				return koru.Value{}, err
			}
			m[k] = converted
		}
		return koru.Map(m), nil
	}
	return koru.Value{}, fmt.Errorf("%w: unsupported JSON node", koru.ErrInvalidValue)
}

// valueToJSON renders an engine value as JSON.
func valueToJSON(v koru.Value) ([]byte, error) {
	return json.Marshal(toJSON(v))
}

func toJSON(v koru.Value) interface{} {
	switch v.Kind {
	case koru.KindBool:
		return v.Bool
	case koru.KindInt:
		return v.Int
	case koru.KindFloat:
		return v.Float
	case koru.KindString:
		return v.Str
	case koru.KindSeq:
		out := make([]interface{}, len(v.Seq))
		for i, e := range v.Seq {
			out[i] = toJSON(e)
		}
		return out
	case koru.KindMap:
		out := make(map[string]interface{}, len(v.Map))
		for k, e := range v.Map {
			out[k] = toJSON(e)
		}
		return out
	default:
		return nil
	}
}
