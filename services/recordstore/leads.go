// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recordstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
)

var leadsTracer = otel.Tracer("tidepool.recordstore.leads")

// Lead lifecycle statuses. A lead starts partial when only the name is
// known, moves to phone_collected, and lands on complete once the email
// arrives.
const (
	LeadStatusPartial        = "partial"
	LeadStatusPhoneCollected = "phone_collected"
	LeadStatusComplete       = "complete"

	LeadSourceNameCollection = "name_collection"
	LeadSourcePricingInquiry = "pricing_inquiry"

	leadsCollectionName = "leads"
)

// Lead is one captured lead document.
type Lead struct {
	ID               primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	Name             string             `bson:"name" json:"name"`
	Phone            string             `bson:"phone" json:"phone"`
	Email            string             `bson:"email" json:"email"`
	OriginalQuestion string             `bson:"original_question" json:"original_question"`
	SessionID        string             `bson:"session_id" json:"session_id"`
	CreatedAt        time.Time          `bson:"created_at" json:"created_at"`
	Source           string             `bson:"source" json:"source"`
	Status           string             `bson:"status" json:"status"`
	LastContact      time.Time          `bson:"last_contact" json:"last_contact"`
}

// LeadStore persists the lead funnel. One store per tenant engine; the
// session_id unique index makes the partial-insert idempotent enough
// for retried requests.
type LeadStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewLeadStore connects and prepares the leads collection, including
// the index migration away from the retired email-unique layout.
func NewLeadStore(ctx context.Context, cfg Config) (*LeadStore, error) {
	client, err := Connect(ctx, cfg.URI)
	if err != nil {
		return nil, err
	}

	database := resolveDatabase(cfg, DefaultLeadsDatabase)
	store := &LeadStore{
		client: client,
		coll:   client.Database(database).Collection(leadsCollectionName),
	}

	if err := store.ensureIndexes(ctx); err != nil {
		// Index trouble should not keep leads from being written.
		slog.Warn("Lead index setup incomplete", "database", database, "error", err)
	}

	slog.Info("Leads collection ready", "database", database)
	return store, nil
}

// ensureIndexes drops the legacy unique-email indexes (duplicate emails
// across sessions are allowed) and creates the session and recency
// indexes this code relies on.
func (s *LeadStore) ensureIndexes(ctx context.Context) error {
	for _, name := range []string{"chatbot_session_email_idx", "email_1"} {
		if _, err := s.coll.Indexes().DropOne(ctx, name); err != nil {
			slog.Debug("No legacy index to drop", "index", name)
		}
	}

	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "session_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("chatbot_session_idx"),
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: 1}},
			Options: options.Index().SetName("chatbot_created_at_idx"),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create lead indexes: %w", err)
	}
	return nil
}

// SavePartial writes the name-only lead the moment the name gate
// succeeds, so a visitor who never reaches the pricing funnel is still
// recorded.
func (s *LeadStore) SavePartial(ctx context.Context, sessionID, name string) error {
	ctx, span := leadsTracer.Start(ctx, "SavePartial")
	defer span.End()

	now := time.Now().UTC()
	_, err := s.coll.InsertOne(ctx, Lead{
		Name:             name,
		Phone:            "",
		Email:            "",
		OriginalQuestion: "Name collection",
		SessionID:        sessionID,
		CreatedAt:        now,
		Source:           LeadSourceNameCollection,
		Status:           LeadStatusPartial,
		LastContact:      now,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// Session already has a lead row. Nothing to do.
			return nil
		}
		return fmt.Errorf("failed to save partial lead: %w", err)
	}
	return nil
}

// SavePhone moves a partial lead to phone_collected. Leads past the
// partial stage are left untouched.
func (s *LeadStore) SavePhone(ctx context.Context, sessionID, phone, originalQuestion string) error {
	ctx, span := leadsTracer.Start(ctx, "SavePhone")
	defer span.End()

	result, err := s.coll.UpdateOne(ctx,
		bson.M{"session_id": sessionID, "status": LeadStatusPartial},
		bson.M{"$set": bson.M{
			"phone":             phone,
			"original_question": originalQuestion,
			"status":            LeadStatusPhoneCollected,
			"last_contact":      time.Now().UTC(),
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to update lead with phone: %w", err)
	}
	slog.Debug("Lead phone recorded", "session_id", sessionID, "modified", result.ModifiedCount)
	return nil
}

// SaveEmail completes the lead.
func (s *LeadStore) SaveEmail(ctx context.Context, sessionID, email, originalQuestion string) error {
	ctx, span := leadsTracer.Start(ctx, "SaveEmail")
	defer span.End()

	result, err := s.coll.UpdateOne(ctx,
		bson.M{"session_id": sessionID},
		bson.M{"$set": bson.M{
			"email":             email,
			"original_question": originalQuestion,
			"status":            LeadStatusComplete,
			"last_contact":      time.Now().UTC(),
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to update lead with email: %w", err)
	}
	slog.Debug("Lead email recorded", "session_id", sessionID, "modified", result.ModifiedCount)
	return nil
}

// Complete finalizes a lead collected through the step-by-step funnel.
// The existing row for the session is completed in place; if the
// partial insert was lost a fresh complete row is written instead.
func (s *LeadStore) Complete(ctx context.Context, lead Lead) error {
	ctx, span := leadsTracer.Start(ctx, "Complete")
	defer span.End()

	now := time.Now().UTC()

	var existing Lead
	err := s.coll.FindOne(ctx, bson.M{"session_id": lead.SessionID}).Decode(&existing)
	switch {
	case err == nil:
		_, err = s.coll.UpdateOne(ctx, bson.M{"_id": existing.ID}, bson.M{"$set": bson.M{
			"phone":             lead.Phone,
			"email":             lead.Email,
			"original_question": lead.OriginalQuestion,
			"status":            LeadStatusComplete,
			"last_contact":      now,
		}})
		if err != nil {
			return fmt.Errorf("failed to complete lead: %w", err)
		}
		return nil

	case errors.Is(err, mongo.ErrNoDocuments):
		lead.CreatedAt = now
		lead.LastContact = now
		lead.Source = LeadSourcePricingInquiry
		lead.Status = LeadStatusComplete
		if _, err := s.coll.InsertOne(ctx, lead); err != nil {
			return fmt.Errorf("failed to insert complete lead: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("failed to look up lead: %w", err)
	}
}

// All returns every lead, newest first.
func (s *LeadStore) All(ctx context.Context) ([]Lead, error) {
	ctx, span := leadsTracer.Start(ctx, "All")
	defer span.End()

	cursor, err := s.coll.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch leads: %w", err)
	}
	defer cursor.Close(ctx)

	var leads []Lead
	if err := cursor.All(ctx, &leads); err != nil {
		return nil, fmt.Errorf("failed to decode leads: %w", err)
	}
	return leads, nil
}

// Count returns the total number of lead rows.
func (s *LeadStore) Count(ctx context.Context) (int64, error) {
	count, err := s.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("failed to count leads: %w", err)
	}
	return count, nil
}

// Close releases the connection pool.
func (s *LeadStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
