// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

// Package qdrant implements memory.VectorStore over the Qdrant gRPC API.
package qdrant

import (
	"context"
	"fmt"
	"sort"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/jllopis/bastion/pkg/memory"
)

type Store struct {
	conn        *grpc.ClientConn
	client      pb.PointsClient
	collections pb.CollectionsClient
}

// New connects to a Qdrant gRPC endpoint such as "localhost:6334".
func New(addr string) (*Store, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("did not connect: %v", err)
	}

	return &Store{
		conn:        conn,
		client:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
	}, nil
}

// Close releases the connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) CreateCollection(ctx context.Context, name string, vectorSize uint64) error {
	_, err := s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     vectorSize,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, collection string, points []memory.Point) error {
	qPoints := make([]*pb.PointStruct, len(points))
	for i, p := range points {
		qPoints[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: p.ID},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: p.Vector},
				},
			},
			Payload: toPayload(p.Payload),
		}
	}

	_, err := s.client.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collection,
		Points:         qPoints,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	return nil
}

func (s *Store) Search(ctx context.Context, collection string, vector []float32, limit int, scoreThreshold float32, match map[string]any) ([]memory.SearchResult, error) {
	resp, err := s.client.Search(ctx, &pb.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(limit),
		ScoreThreshold: &scoreThreshold,
		Filter:         toFilter(match),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search points: %w", err)
	}

	results := make([]memory.SearchResult, len(resp.Result))
	for i, r := range resp.Result {
		id := pointID(r.Id)
		results[i] = memory.SearchResult{
			ID:    id,
			Score: r.Score,
			Point: memory.Point{
				ID:      id,
				Payload: fromPayload(r.Payload),
			},
		}
	}

	return results, nil
}

func (s *Store) Scroll(ctx context.Context, collection string, limit int) ([]memory.Point, error) {
	lim := uint32(limit)
	resp, err := s.client.Scroll(ctx, &pb.ScrollPoints{
		CollectionName: collection,
		Limit:          &lim,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scroll points: %w", err)
	}
	points := make([]memory.Point, len(resp.Result))
	for i, r := range resp.Result {
		payload := fromPayload(r.Payload)
		ts, _ := payload["timestamp"].(int64)
		points[i] = memory.Point{ID: pointID(r.Id), Payload: payload, Timestamp: ts}
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].Timestamp < points[j].Timestamp })
	return points, nil
}

func pointID(id *pb.PointId) string {
	if id.GetUuid() != "" {
		return id.GetUuid()
	}
	return fmt.Sprintf("%d", id.GetNum())
}

// toFilter turns equality matches into must conditions.
func toFilter(match map[string]any) *pb.Filter {
	if len(match) == 0 {
		return nil
	}
	keys := make([]string, 0, len(match))
	for k := range match {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var must []*pb.Condition
	for _, k := range keys {
		var m *pb.Match
		switch v := match[k].(type) {
		case string:
			m = &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: v}}
		case bool:
			m = &pb.Match{MatchValue: &pb.Match_Boolean{Boolean: v}}
		case int64:
			m = &pb.Match{MatchValue: &pb.Match_Integer{Integer: v}}
		default:
			continue
		}
		must = append(must, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{Key: k, Match: m},
			},
		})
	}
	return &pb.Filter{Must: must}
}

func toPayload(in map[string]interface{}) map[string]*pb.Value {
	payload := make(map[string]*pb.Value, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: val}}
		case bool:
			payload[k] = &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: val}}
		case int:
			payload[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(val)}}
		case int64:
			payload[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: val}}
		case float64:
			payload[k] = &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: val}}
		}
	}
	return payload
}

func fromPayload(in map[string]*pb.Value) map[string]interface{} {
	payload := make(map[string]interface{}, len(in))
	for k, v := range in {
		switch knd := v.GetKind().(type) {
		case *pb.Value_StringValue:
			payload[k] = knd.StringValue
		case *pb.Value_BoolValue:
			payload[k] = knd.BoolValue
		case *pb.Value_IntegerValue:
			payload[k] = knd.IntegerValue
		case *pb.Value_DoubleValue:
			payload[k] = knd.DoubleValue
		}
	}
	return payload
}
