// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/Tidepool/services/bot/datatypes"
)

// defaultContactQuestion seeds the focused retrieval when the caller
// did not phrase one.
const defaultContactQuestion = "contact information"

// HandleLeads answers GET /leads with the tenant's full lead list.
func HandleLeads(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "HandleLeads")
		defer span.End()

		tc, ok := deps.tenantFromQuery(c)
		if !ok {
			return
		}
		eng, ok := deps.getEngine(c, ctx, tc, false)
		if !ok {
			return
		}

		leads, err := eng.Leads(ctx)
		if err != nil {
			span.RecordError(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, datatypes.LeadsResponse{
			Leads: leads,
			Count: int64(len(leads)),
		})
	}
}

// HandleLeadsCount answers GET /leads/count.
func HandleLeadsCount(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "HandleLeadsCount")
		defer span.End()

		tc, ok := deps.tenantFromQuery(c)
		if !ok {
			return
		}
		eng, ok := deps.getEngine(c, ctx, tc, false)
		if !ok {
			return
		}

		count, err := eng.LeadsCount(ctx)
		if err != nil {
			span.RecordError(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, datatypes.LeadsCountResponse{Count: count})
	}
}

// HandleContactInfo answers GET /contact-info: a focused retrieval
// over contact-ish probe terms, with the extractor run over the hits.
// An optional "query" parameter tailors the formatted reply.
func HandleContactInfo(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "HandleContactInfo")
		defer span.End()

		tc, ok := deps.tenantFromQuery(c)
		if !ok {
			return
		}
		eng, ok := deps.getEngine(c, ctx, tc, false)
		if !ok {
			return
		}

		question := c.Query("query")
		if question == "" {
			question = defaultContactQuestion
		}
		info, formatted := eng.ContactInfo(ctx, question)
		c.JSON(http.StatusOK, datatypes.ContactInfoResponse{
			Emails:            emptyIfNil(info.Emails),
			Phones:            emptyIfNil(info.Phones),
			Addresses:         emptyIfNil(info.Addresses),
			FormattedResponse: formatted,
		})
	}
}

// emptyIfNil keeps the JSON arrays present ([] rather than null) for
// clients that index into them.
func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
