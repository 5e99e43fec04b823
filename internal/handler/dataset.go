package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/weibaohui/opensheets/internal/service"
)

type DatasetHandler struct {
	service *service.DatasetService
}

func NewDatasetHandler(service *service.DatasetService) *DatasetHandler {
	return &DatasetHandler{
		service: service,
	}
}

type createDatasetRequest struct {
	Name      string `json:"name" binding:"required"`
	CreatedBy string `json:"created_by"`
}

type appendRowRequest struct {
	// Values 列 ID -> 值
	Values map[string]string `json:"values"`
}

func (h *DatasetHandler) Create(c *gin.Context) {
	var req createDatasetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ds, err := h.service.Create(c.Request.Context(), req.Name, req.CreatedBy)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ds)
}

func (h *DatasetHandler) List(c *gin.Context) {
	list, err := h.service.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *DatasetHandler) Get(c *gin.Context) {
	ds, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ds)
}

func (h *DatasetHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "deleted"})
}

func (h *DatasetHandler) AppendRow(c *gin.Context) {
	var req appendRowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	idx, cells, err := h.service.AppendRow(c.Request.Context(), c.Param("id"), req.Values)
	writeEntity(c, http.StatusCreated, gin.H{"idx": idx, "cells": cells}, err)
}
